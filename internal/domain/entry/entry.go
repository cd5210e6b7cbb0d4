package entry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/healthrec/labentry/internal/domain/selection"
	"github.com/healthrec/labentry/internal/labapi"
)

var (
	// ErrSaveInFlight is returned when Save is called while a previous save
	// has not finished.
	ErrSaveInFlight = errors.New("entry: save already in progress")

	// ErrNothingSelected is returned when Save is called with an empty
	// selection set.
	ErrNothingSelected = errors.New("entry: no parameters selected")
)

// DefaultResetDelay is how long the saved confirmation stays visible before
// the form wipes itself back to a blank state.
const DefaultResetDelay = 3 * time.Second

// Draft holds the per-parameter fields the user has typed so far. Drafts are
// created lazily on first write and survive failed saves untouched.
type Draft struct {
	Value        string `json:"value"`
	Description  string `json:"description"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// Envelope carries the report-level fields shared by every card in a
// submission.
type Envelope struct {
	TestDate                 time.Time `json:"test_date"`
	LabName                  string    `json:"lab_name"`
	DoctorName               string    `json:"doctor_name"`
	PrescriptionAttachmentID string    `json:"prescription_attachment_id,omitempty"`
}

// AttachmentLoader resolves staged attachment IDs to their file content at
// submission time and discards them once a submission cycle completes.
type AttachmentLoader interface {
	Load(ctx context.Context, id string) (*labapi.FileAttachment, error)
	Discard(ctx context.Context, ids ...string)
}

// SubmitClient is the slice of the lab API client the form needs.
type SubmitClient interface {
	SubmitReport(ctx context.Context, sub *labapi.ReportSubmission) error
}

// State is a point-in-time snapshot of the form for rendering.
type State struct {
	Saving    bool      `json:"saving"`
	Saved     bool      `json:"saved"`
	LastError string    `json:"last_error,omitempty"`
	Envelope  Envelope  `json:"envelope"`
	Cards     []Card    `json:"cards"`
	Statuses  []Status  `json:"-"`
	Snapshot  time.Time `json:"snapshot"`
}

// Card pairs a selected parameter with its draft and derived status.
type Card struct {
	Item   selection.SelectedItem `json:"item"`
	Draft  Draft                  `json:"draft"`
	Status Status                 `json:"status"`
}

// Form owns the drafts, the envelope and the save lifecycle for one session.
// All methods are safe for concurrent use.
type Form struct {
	mu       sync.Mutex
	set      *selection.Set
	drafts   map[string]*Draft
	envelope Envelope

	client     SubmitClient
	loader     AttachmentLoader
	resetDelay time.Duration
	onReset    func()
	resetTimer *time.Timer

	saving    bool
	saved     bool
	lastError string
}

// FormOption configures a Form.
type FormOption func(*Form)

// WithResetDelay overrides how long the saved confirmation is shown before
// the form resets.
func WithResetDelay(d time.Duration) FormOption {
	return func(f *Form) { f.resetDelay = d }
}

// WithOnReset registers a callback invoked after a post-save reset, so the
// owning session can drop any catalog narrowing alongside the form state.
func WithOnReset(fn func()) FormOption {
	return func(f *Form) { f.onReset = fn }
}

// NewForm builds a form over the given selection set. loader may be nil when
// attachments are not staged; drafts referencing attachments are then sent
// without files.
func NewForm(set *selection.Set, client SubmitClient, loader AttachmentLoader, opts ...FormOption) *Form {
	f := &Form{
		set:        set,
		drafts:     make(map[string]*Draft),
		envelope:   Envelope{TestDate: time.Now()},
		client:     client,
		loader:     loader,
		resetDelay: DefaultResetDelay,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Form) draftLocked(key string) *Draft {
	d, ok := f.drafts[key]
	if !ok {
		d = &Draft{}
		f.drafts[key] = d
	}
	return d
}

// SetValue records the measured value for one card.
func (f *Form) SetValue(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draftLocked(key).Value = value
}

// SetDescription records the free-text description for one card.
func (f *Form) SetDescription(key, description string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draftLocked(key).Description = description
}

// SetAttachment stages a report file against one card, replacing any earlier
// one. The previous attachment, if any, is discarded from the staging store.
func (f *Form) SetAttachment(ctx context.Context, key, attachmentID string) {
	f.mu.Lock()
	d := f.draftLocked(key)
	prev := d.AttachmentID
	d.AttachmentID = attachmentID
	f.mu.Unlock()

	if prev != "" && prev != attachmentID && f.loader != nil {
		f.loader.Discard(ctx, prev)
	}
}

// SetEnvelope replaces the report-level fields. A zero TestDate keeps the
// current one.
func (f *Form) SetEnvelope(env Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if env.TestDate.IsZero() {
		env.TestDate = f.envelope.TestDate
	}
	if env.PrescriptionAttachmentID == "" {
		env.PrescriptionAttachmentID = f.envelope.PrescriptionAttachmentID
	}
	f.envelope = env
}

// SetPrescription stages the prescription file for the whole report.
func (f *Form) SetPrescription(ctx context.Context, attachmentID string) {
	f.mu.Lock()
	prev := f.envelope.PrescriptionAttachmentID
	f.envelope.PrescriptionAttachmentID = attachmentID
	f.mu.Unlock()

	if prev != "" && prev != attachmentID && f.loader != nil {
		f.loader.Discard(ctx, prev)
	}
}

// DropDraft discards the draft for a key whose selection is already gone, so
// a re-added parameter starts with an empty draft. Any staged attachment is
// discarded with it.
func (f *Form) DropDraft(ctx context.Context, keys ...string) {
	f.mu.Lock()
	var staged []string
	for _, key := range keys {
		if d, ok := f.drafts[key]; ok {
			if d.AttachmentID != "" {
				staged = append(staged, d.AttachmentID)
			}
			delete(f.drafts, key)
		}
	}
	f.mu.Unlock()

	if len(staged) > 0 && f.loader != nil {
		f.loader.Discard(ctx, staged...)
	}
}

// RemoveCard drops one parameter from the working set together with its
// draft and any staged attachment.
func (f *Form) RemoveCard(ctx context.Context, key string) {
	f.mu.Lock()
	f.set.Remove(key)
	var staged string
	if d, ok := f.drafts[key]; ok {
		staged = d.AttachmentID
		delete(f.drafts, key)
	}
	f.mu.Unlock()

	if staged != "" && f.loader != nil {
		f.loader.Discard(ctx, staged)
	}
}

// Snapshot returns the current form state with one card per selected item in
// insertion order. Items without a draft render with an empty draft and
// pending status.
func (f *Form) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	items := f.set.Items()
	cards := make([]Card, 0, len(items))
	for _, it := range items {
		var d Draft
		if dr, ok := f.drafts[it.Key]; ok {
			d = *dr
		}
		cards = append(cards, Card{
			Item:   it,
			Draft:  d,
			Status: DeriveStatus(d.Value, it.NormalRange),
		})
	}
	return State{
		Saving:    f.saving,
		Saved:     f.saved,
		LastError: f.lastError,
		Envelope:  f.envelope,
		Cards:     cards,
		Snapshot:  time.Now(),
	}
}

// Save submits the current cards to the lab API. At most one save may be in
// flight per form; concurrent callers get ErrSaveInFlight. On success the
// form shows its saved confirmation, then resets after the configured delay.
// On failure drafts and envelope are preserved and the flattened error
// message is kept for rendering.
func (f *Form) Save(ctx context.Context) error {
	f.mu.Lock()
	if f.saving {
		f.mu.Unlock()
		return ErrSaveInFlight
	}
	items := f.set.Items()
	if len(items) == 0 {
		f.mu.Unlock()
		return ErrNothingSelected
	}
	f.saving = true
	f.saved = false
	f.lastError = ""
	sub, attachmentIDs, err := f.buildSubmissionLocked(ctx, items)
	f.mu.Unlock()

	if err != nil {
		f.mu.Lock()
		f.saving = false
		f.lastError = labapi.GenericSaveMessage
		f.mu.Unlock()
		return err
	}

	if err := f.client.SubmitReport(ctx, sub); err != nil {
		f.mu.Lock()
		f.saving = false
		var subErr *labapi.SubmissionError
		if errors.As(err, &subErr) {
			f.lastError = subErr.Message
		} else {
			f.lastError = labapi.GenericSaveMessage
		}
		f.mu.Unlock()
		return err
	}

	f.mu.Lock()
	f.saving = false
	f.saved = true
	f.resetTimer = time.AfterFunc(f.resetDelay, func() {
		f.resetAfterSave(attachmentIDs)
	})
	f.mu.Unlock()
	return nil
}

// buildSubmissionLocked assembles the wire payload from the current drafts.
// Caller holds f.mu.
func (f *Form) buildSubmissionLocked(ctx context.Context, items []selection.SelectedItem) (*labapi.ReportSubmission, []string, error) {
	sub := &labapi.ReportSubmission{
		TestDate:   f.envelope.TestDate,
		LabName:    f.envelope.LabName,
		DoctorName: f.envelope.DoctorName,
	}

	var staged []string
	if id := f.envelope.PrescriptionAttachmentID; id != "" && f.loader != nil {
		file, err := f.loader.Load(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		sub.Prescription = file
		staged = append(staged, id)
	}

	for _, it := range items {
		var d Draft
		if dr, ok := f.drafts[it.Key]; ok {
			d = *dr
		}
		rec := labapi.ReportRecord{
			TestID:      it.TestID,
			GroupID:     it.GroupID,
			ParameterID: it.ParameterID,
			Value:       d.Value,
			Description: d.Description,
			Remark:      string(DeriveStatus(d.Value, it.NormalRange)),
		}
		if d.AttachmentID != "" && f.loader != nil {
			file, err := f.loader.Load(ctx, d.AttachmentID)
			if err != nil {
				return nil, nil, err
			}
			rec.Report = file
			staged = append(staged, d.AttachmentID)
		}
		sub.Records = append(sub.Records, rec)
	}
	return sub, staged, nil
}

// resetAfterSave wipes the form back to a blank state once the saved
// confirmation has been shown.
func (f *Form) resetAfterSave(attachmentIDs []string) {
	f.mu.Lock()
	f.set.Reset()
	f.drafts = make(map[string]*Draft)
	f.envelope = Envelope{TestDate: time.Now()}
	f.saved = false
	f.lastError = ""
	onReset := f.onReset
	f.mu.Unlock()

	if len(attachmentIDs) > 0 && f.loader != nil {
		f.loader.Discard(context.Background(), attachmentIDs...)
	}
	if onReset != nil {
		onReset()
	}
}

// Close stops any pending reset timer. The reset itself is not run; a closed
// session has no form left to wipe.
func (f *Form) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetTimer != nil {
		f.resetTimer.Stop()
		f.resetTimer = nil
	}
}
