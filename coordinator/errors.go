package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"quizsync/quiz"
)

var (
	// ErrNotLoaded is returned when an edit or save is attempted before a
	// document has been loaded.
	ErrNotLoaded = errors.New("no document loaded")

	// ErrSaveInFlight is returned when a save is requested while another
	// save or upload batch is still running. Only one document-level save
	// may be in flight at a time.
	ErrSaveInFlight = errors.New("a save is already in flight")
)

// ConflictError reports a genuine edit conflict: the answer targeted by the
// local edit was changed server-side after the edit's base revision. The
// local edit is discarded and the user must refresh.
type ConflictError struct {
	SectionID  quiz.ID
	QuestionID quiz.ID
	LocalRev   int64
	ServerRev  int64
}

func (e *ConflictError) Error() string {
	if e.QuestionID != "" {
		return fmt.Sprintf("edit conflict on question %s: local base revision %d, server revision %d",
			e.QuestionID, e.LocalRev, e.ServerRev)
	}
	return "edit conflict: document was changed by someone else"
}

// UploadFailure names one attachment upload that failed.
type UploadFailure struct {
	UploadID string
	Err      error
}

// UploadError aborts a save when one or more attachment uploads fail.
// The document save is never issued with uploads outstanding.
type UploadError struct {
	Failed []UploadFailure
}

func (e *UploadError) Error() string {
	ids := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		ids[i] = f.UploadID
	}
	return fmt.Sprintf("%d attachment upload(s) failed: %s", len(e.Failed), strings.Join(ids, ", "))
}

// Unwrap exposes the first underlying upload error.
func (e *UploadError) Unwrap() error {
	if len(e.Failed) == 0 {
		return nil
	}
	return e.Failed[0].Err
}
