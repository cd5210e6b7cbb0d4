// Package history keeps an audit trail of report submissions. Recording is
// best-effort and never blocks a submission from succeeding; the store only
// sees submission outcomes, never draft state.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Submission is one recorded submission attempt.
type Submission struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Role        string    `json:"role,omitempty"`
	SessionID   string    `json:"session_id"`
	TestDate    time.Time `json:"test_date"`
	LabName     string    `json:"lab_name"`
	DoctorName  string    `json:"doctor_name"`
	RecordCount int       `json:"record_count"`
	Accepted    bool      `json:"accepted"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Recorder is the contract for submission-history backends.
type Recorder interface {
	Record(ctx context.Context, sub *Submission) error
	ListBySubject(ctx context.Context, subject string, limit, offset int) ([]*Submission, int, error)
}

// InMemoryRecorder is a thread-safe in-memory Recorder for development and
// tests.
type InMemoryRecorder struct {
	mu   sync.RWMutex
	subs []*Submission
}

// NewInMemoryRecorder returns a ready-to-use InMemoryRecorder.
func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

func newID() string {
	return uuid.New().String()
}

// Record stores one submission attempt, assigning ID and timestamp when the
// caller left them empty.
func (r *InMemoryRecorder) Record(_ context.Context, sub *Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *sub
	if stored.ID == "" {
		stored.ID = newID()
	}
	if stored.SubmittedAt.IsZero() {
		stored.SubmittedAt = time.Now().UTC()
	}
	r.subs = append(r.subs, &stored)
	return nil
}

// ListBySubject returns a page of the subject's submissions, newest first,
// along with the total count.
func (r *InMemoryRecorder) ListBySubject(_ context.Context, subject string, limit, offset int) ([]*Submission, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Submission
	for i := len(r.subs) - 1; i >= 0; i-- {
		if r.subs[i].Subject == subject {
			s := *r.subs[i]
			matched = append(matched, &s)
		}
	}

	total := len(matched)
	if limit <= 0 {
		limit = 20
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}
