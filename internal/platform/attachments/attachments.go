// Package attachments stages uploaded report and prescription files in
// memory until the report they belong to is submitted. Files are keyed by a
// generated ID and scoped to the session that uploaded them.
package attachments

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healthrec/labentry/internal/labapi"
)

var (
	ErrNotFound           = errors.New("attachment not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// MaxFileSize is the maximum allowed attachment size in bytes (10 MB).
const MaxFileSize = 10 * 1024 * 1024

// AllowedContentTypes lists the file types accepted for report uploads.
var AllowedContentTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"application/pdf": true,
}

// Metadata describes a staged attachment.
type Metadata struct {
	ID          string    `json:"id"`
	Owner       string    `json:"-"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

type stagedFile struct {
	metadata Metadata
	content  []byte
}

// Store is a thread-safe in-memory staging area for uploaded files.
type Store struct {
	mu    sync.RWMutex
	files map[string]*stagedFile
}

// NewStore returns a ready-to-use Store.
func NewStore() *Store {
	return &Store{files: make(map[string]*stagedFile)}
}

// Put validates and stages one file, returning its metadata. owner scopes
// the file to the uploading session.
func (s *Store) Put(_ context.Context, owner, fileName, contentType string, content io.Reader) (*Metadata, error) {
	if fileName == "" {
		return nil, ErrMissingFileName
	}
	if !AllowedContentTypes[contentType] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContentType, contentType)
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)
	meta := Metadata{
		ID:          uuid.New().String(),
		Owner:       owner,
		FileName:    fileName,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.files[meta.ID] = &stagedFile{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

// Load resolves a staged attachment to its file content for submission.
func (s *Store) Load(_ context.Context, id string) (*labapi.FileAttachment, error) {
	s.mu.RLock()
	f, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &labapi.FileAttachment{
		FileName:    f.metadata.FileName,
		ContentType: f.metadata.ContentType,
		Content:     append([]byte(nil), f.content...),
	}, nil
}

// Owned reports whether the attachment exists and belongs to owner.
func (s *Store) Owned(_ context.Context, owner, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	return ok && f.metadata.Owner == owner
}

// Discard drops staged files. Unknown IDs are ignored so callers can discard
// after partial failures without bookkeeping.
func (s *Store) Discard(_ context.Context, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.files, id)
	}
}

// DiscardOwner drops every file staged by one session, used when the session
// closes or expires.
func (s *Store) DiscardOwner(_ context.Context, owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, f := range s.files {
		if f.metadata.Owner == owner {
			delete(s.files, id)
			n++
		}
	}
	return n
}

// Len returns the number of staged files.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}
