package entry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/healthrec/labentry/internal/domain/selection"
	"github.com/healthrec/labentry/internal/labapi"
)

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name        string
		value       string
		normalRange string
		want        Status
	}{
		{"below band", "69", "70-100", StatusLow},
		{"lower bound inclusive", "70", "70-100", StatusNormal},
		{"upper bound inclusive", "100", "70-100", StatusNormal},
		{"above band", "101", "70-100", StatusHigh},
		{"empty value", "", "70-100", StatusPending},
		{"non numeric value", "abc", "70-100", StatusPending},
		{"no range", "85", "", StatusPending},
		{"malformed range", "85", "low-high", StatusPending},
		{"decimal inside band", "4.5", "3.5-5.5", StatusNormal},
		{"upper open below max", "150", "<200", StatusNormal},
		{"upper open above max", "250", "<200", StatusHigh},
		{"lower open below min", "50", ">60", StatusLow},
		{"lower open above min", "70", ">60", StatusNormal},
		{"whitespace value", "  72 ", "70-100", StatusNormal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveStatus(tc.value, tc.normalRange); got != tc.want {
				t.Fatalf("DeriveStatus(%q, %q) = %q, want %q", tc.value, tc.normalRange, got, tc.want)
			}
		})
	}
}

type fakeSubmitClient struct {
	mu      sync.Mutex
	got     *labapi.ReportSubmission
	err     error
	release chan struct{}
}

func (f *fakeSubmitClient) SubmitReport(ctx context.Context, sub *labapi.ReportSubmission) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.got = sub
	f.mu.Unlock()
	return f.err
}

type fakeLoader struct {
	mu        sync.Mutex
	files     map[string]*labapi.FileAttachment
	discarded []string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{files: make(map[string]*labapi.FileAttachment)}
}

func (f *fakeLoader) Load(ctx context.Context, id string) (*labapi.FileAttachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[id]
	if !ok {
		return nil, errors.New("attachment not found")
	}
	return file, nil
}

func (f *fakeLoader) Discard(ctx context.Context, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, ids...)
}

func testSet(t *testing.T) *selection.Set {
	t.Helper()
	set := selection.NewSet()
	set.Toggle(labapi.Parameter{ID: 10, GroupID: 2, Name: "Glucose", Unit: "mg/dL", StartRange: "70", EndRange: "100"}, 1, "Blood Panel", 2, "Metabolic")
	set.Toggle(labapi.Parameter{ID: 11, GroupID: 2, Name: "HbA1c", Unit: "%"}, 1, "Blood Panel", 2, "Metabolic")
	return set
}

func TestSaveBuildsSubmissionInOrder(t *testing.T) {
	set := testSet(t)
	client := &fakeSubmitClient{}
	form := NewForm(set, client, nil, WithResetDelay(time.Hour))

	form.SetValue("2_10", "120")
	form.SetDescription("2_10", "fasting")
	form.SetValue("2_11", "5.4")
	form.SetEnvelope(Envelope{
		TestDate:   time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC),
		LabName:    "City Lab",
		DoctorName: "Dr. Rao",
	})

	if err := form.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sub := client.got
	if sub == nil {
		t.Fatal("expected a submission")
	}
	if sub.LabName != "City Lab" || sub.DoctorName != "Dr. Rao" {
		t.Fatalf("unexpected envelope: %+v", sub)
	}
	if len(sub.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(sub.Records))
	}
	first := sub.Records[0]
	if first.ParameterID != 10 || first.Value != "120" || first.Description != "fasting" {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if first.Remark != string(StatusHigh) {
		t.Fatalf("expected derived remark high, got %q", first.Remark)
	}
	if sub.Records[1].Remark != string(StatusPending) {
		t.Fatalf("expected pending remark for rangeless parameter, got %q", sub.Records[1].Remark)
	}
}

func TestSaveRejectsConcurrentSaves(t *testing.T) {
	set := testSet(t)
	client := &fakeSubmitClient{release: make(chan struct{})}
	form := NewForm(set, client, nil, WithResetDelay(time.Hour))

	done := make(chan error, 1)
	go func() { done <- form.Save(context.Background()) }()

	// Wait for the first save to take the in-flight slot.
	deadline := time.After(time.Second)
	for {
		if form.Snapshot().Saving {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first save never started")
		case <-time.After(time.Millisecond):
		}
	}

	if err := form.Save(context.Background()); !errors.Is(err, ErrSaveInFlight) {
		t.Fatalf("expected ErrSaveInFlight, got %v", err)
	}

	close(client.release)
	if err := <-done; err != nil {
		t.Fatalf("first save failed: %v", err)
	}
}

func TestSaveRequiresSelection(t *testing.T) {
	form := NewForm(selection.NewSet(), &fakeSubmitClient{}, nil)
	if err := form.Save(context.Background()); !errors.Is(err, ErrNothingSelected) {
		t.Fatalf("expected ErrNothingSelected, got %v", err)
	}
}

func TestSaveFailurePreservesDrafts(t *testing.T) {
	set := testSet(t)
	client := &fakeSubmitClient{err: &labapi.SubmissionError{StatusCode: 422, Message: "Required | Too long"}}
	form := NewForm(set, client, nil, WithResetDelay(time.Hour))
	form.SetValue("2_10", "95")

	if err := form.Save(context.Background()); err == nil {
		t.Fatal("expected save to fail")
	}

	st := form.Snapshot()
	if st.Saving || st.Saved {
		t.Fatalf("expected idle unsaved state, got %+v", st)
	}
	if st.LastError != "Required | Too long" {
		t.Fatalf("unexpected last error %q", st.LastError)
	}
	if st.Cards[0].Draft.Value != "95" {
		t.Fatal("draft was lost on failed save")
	}
	if set.Len() != 2 {
		t.Fatal("selection was lost on failed save")
	}
}

func TestSaveTransportFailureUsesGenericMessage(t *testing.T) {
	set := testSet(t)
	client := &fakeSubmitClient{err: errors.New("connection refused")}
	form := NewForm(set, client, nil, WithResetDelay(time.Hour))

	if err := form.Save(context.Background()); err == nil {
		t.Fatal("expected save to fail")
	}
	if got := form.Snapshot().LastError; got != labapi.GenericSaveMessage {
		t.Fatalf("expected generic message, got %q", got)
	}
}

func TestSaveResetsAfterDelay(t *testing.T) {
	set := testSet(t)
	client := &fakeSubmitClient{}
	resetCalled := make(chan struct{})
	form := NewForm(set, client, nil,
		WithResetDelay(10*time.Millisecond),
		WithOnReset(func() { close(resetCalled) }),
	)
	form.SetValue("2_10", "80")

	if err := form.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !form.Snapshot().Saved {
		t.Fatal("expected saved confirmation right after save")
	}

	select {
	case <-resetCalled:
	case <-time.After(time.Second):
		t.Fatal("reset callback never fired")
	}

	st := form.Snapshot()
	if st.Saved || len(st.Cards) != 0 {
		t.Fatalf("expected blank form after reset, got %+v", st)
	}
	if st.Envelope.LabName != "" {
		t.Fatal("envelope survived reset")
	}
}

func TestSaveIncludesAttachments(t *testing.T) {
	set := testSet(t)
	client := &fakeSubmitClient{}
	loader := newFakeLoader()
	loader.files["att-1"] = &labapi.FileAttachment{FileName: "glucose.pdf", ContentType: "application/pdf", Content: []byte("pdf")}
	loader.files["rx-1"] = &labapi.FileAttachment{FileName: "rx.jpg", ContentType: "image/jpeg", Content: []byte("jpg")}

	form := NewForm(set, client, loader, WithResetDelay(time.Hour))
	form.SetAttachment(context.Background(), "2_10", "att-1")
	form.SetPrescription(context.Background(), "rx-1")

	if err := form.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if client.got.Prescription == nil || client.got.Prescription.FileName != "rx.jpg" {
		t.Fatalf("prescription missing: %+v", client.got.Prescription)
	}
	if client.got.Records[0].Report == nil || client.got.Records[0].Report.FileName != "glucose.pdf" {
		t.Fatal("report attachment missing from first record")
	}
	if client.got.Records[1].Report != nil {
		t.Fatal("unexpected attachment on second record")
	}
}

func TestRemoveCardDropsDraftAndAttachment(t *testing.T) {
	set := testSet(t)
	loader := newFakeLoader()
	loader.files["att-1"] = &labapi.FileAttachment{FileName: "a.pdf", ContentType: "application/pdf", Content: []byte("x")}
	form := NewForm(set, &fakeSubmitClient{}, loader)

	form.SetValue("2_10", "77")
	form.SetAttachment(context.Background(), "2_10", "att-1")
	form.RemoveCard(context.Background(), "2_10")

	if set.Contains("2_10") {
		t.Fatal("item still selected after RemoveCard")
	}
	st := form.Snapshot()
	if len(st.Cards) != 1 || st.Cards[0].Item.Key != "2_11" {
		t.Fatalf("unexpected cards after removal: %+v", st.Cards)
	}
	if len(loader.discarded) != 1 || loader.discarded[0] != "att-1" {
		t.Fatalf("attachment not discarded: %v", loader.discarded)
	}
}

func TestDropDraftClearsStateAndDiscardsAttachment(t *testing.T) {
	set := testSet(t)
	loader := newFakeLoader()
	loader.files["att-1"] = &labapi.FileAttachment{FileName: "a.pdf", ContentType: "application/pdf", Content: []byte("x")}
	form := NewForm(set, &fakeSubmitClient{}, loader)

	form.SetValue("2_10", "95")
	form.SetAttachment(context.Background(), "2_10", "att-1")
	form.DropDraft(context.Background(), "2_10")

	// The selection itself is untouched; only the draft is gone.
	if !set.Contains("2_10") {
		t.Fatal("DropDraft must not change the selection")
	}
	card := form.Snapshot().Cards[0]
	if card.Draft.Value != "" || card.Draft.AttachmentID != "" {
		t.Fatalf("draft survived DropDraft: %+v", card.Draft)
	}
	if len(loader.discarded) != 1 || loader.discarded[0] != "att-1" {
		t.Fatalf("attachment not discarded: %v", loader.discarded)
	}
}

func TestDraftFieldsMergeIndependently(t *testing.T) {
	form := NewForm(testSet(t), &fakeSubmitClient{}, nil)
	form.SetValue("2_10", "88")
	form.SetDescription("2_10", "post meal")

	card := form.Snapshot().Cards[0]
	if card.Draft.Value != "88" || card.Draft.Description != "post meal" {
		t.Fatalf("draft fields clobbered each other: %+v", card.Draft)
	}
}
