package upload

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("upload: invalid input")
	ErrNotFound     = errors.New("upload: not found")
)

type Status string

const (
	StatusReceived Status = "received"
	StatusParsed   Status = "parsed"
	StatusFailed   Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusParsed, StatusFailed:
		return true
	}
	return false
}

// Upload is one dataset submitted by a tenant. The row is created before the
// blob is stored, so BlobKey is set in a second step once the assigned ID is
// known. Terminal rows are never mutated.
type Upload struct {
	ID        int64
	Tenant    string
	Filename  string
	BlobKey   string
	SizeBytes int64
	RowCount  int64
	Status    Status
	CreatedAt time.Time
}

func (u Upload) Validate() error {
	if strings.TrimSpace(u.Tenant) == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	if strings.TrimSpace(u.Filename) == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if u.SizeBytes < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidInput)
	}
	if u.RowCount < 0 {
		return fmt.Errorf("%w: negative row count", ErrInvalidInput)
	}
	if !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, u.Status)
	}
	return nil
}
