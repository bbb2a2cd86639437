// Package coordinator implements the client side of the collaborative
// assessment edit protocol: it applies local edits to the in-memory
// document, tracks the most recently touched answer and its pre-edit
// revision, sequences attachment uploads ahead of saves, and resolves
// HTTP 409 save rejections by re-fetching and rebasing the single dirty
// answer onto the authoritative document.
//
// The protocol is last-writer-wins with a single-field rebase: only the most
// recently edited answer is tracked for conflict comparison, and at most one
// reconciliation attempt is made per save cycle.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"quizsync/client"
	"quizsync/core"
	"quizsync/quiz"
)

// State is the save coordinator's lifecycle state.
type State int32

const (
	// StateIdle means the local document matches the last saved document.
	StateIdle State = iota
	// StateEditing means local edits exist that have not been pushed.
	StateEditing
	// StateUploading means attachment uploads are running ahead of a save.
	StateUploading
	// StateSaving means a document-level save is in flight.
	StateSaving
	// StateConflict means a save was rejected with 409 and the resolver
	// is reconciling against the authoritative document.
	StateConflict
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEditing:
		return "editing"
	case StateUploading:
		return "uploading"
	case StateSaving:
		return "saving"
	case StateConflict:
		return "conflict"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Identity supplies the editing user's identity. It replaces ad-hoc reads of
// ambient session state: the coordinator is handed its identity at
// construction.
type Identity interface {
	UserEmail() string
}

// StaticIdentity is a fixed-email Identity.
type StaticIdentity string

// UserEmail returns the fixed email.
func (s StaticIdentity) UserEmail() string { return string(s) }

// Notification is a user-facing message surfaced by the protocol.
type Notification struct {
	Level       string // "error" or "info"
	Message     string
	Description string
}

// Notifier receives user-facing notifications.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notification)

// Notify calls the function.
func (f NotifierFunc) Notify(n Notification) { f(n) }

// dirtySlot records the single most recently edited answer and its pre-edit
// revision marker. Earlier edits in the same save cycle are not tracked;
// their conflicts go undetected.
type dirtySlot struct {
	sectionID  quiz.ID
	questionID quiz.ID
	prevRev    int64
}

// Coordinator owns one assessment document for the duration of an editing
// session and drives the edit/upload/save/conflict cycle against the
// backend. Methods are safe for concurrent use; state transitions guarantee
// at most one document-level save in flight.
type Coordinator struct {
	svc      client.Service
	identity Identity
	logger   *zap.Logger
	now      func() int64
	notifier Notifier

	saveTimeout       time.Duration
	uploadParallelism int

	mu    sync.Mutex
	state State
	doc   *quiz.Quiz
	dirty *dirtySlot
}

// New creates a coordinator bound to a backend service and an identity.
func New(svc client.Service, identity Identity, opts ...Option) *Coordinator {
	c := &Coordinator{
		svc:               svc,
		identity:          identity,
		logger:            core.GetLogger(),
		notifier:          NotifierFunc(func(Notification) {}),
		saveTimeout:       30 * time.Second,
		uploadParallelism: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load fetches the document and makes it the editing target. Any previous
// document and dirty state are discarded.
func (c *Coordinator) Load(ctx context.Context, id quiz.ID) error {
	doc, err := c.svc.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load assessment %s: %w", id, err)
	}
	doc.Normalize()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc = doc
	c.dirty = nil
	c.state = StateIdle
	c.logger.Info("assessment loaded",
		zap.String("id", id.String()),
		zap.Int64("generation", doc.Generation))
	return nil
}

// Document returns the in-memory document. Callers must treat it as
// read-only; all edits go through coordinator methods.
func (c *Coordinator) Document() *quiz.Quiz {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// State reports the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dirty reports the tracked dirty answer, if any. Exposed for tests and
// diagnostics.
func (c *Coordinator) Dirty() (sectionID, questionID quiz.ID, prevRev int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty == nil {
		return "", "", 0, false
	}
	return c.dirty.sectionID, c.dirty.questionID, c.dirty.prevRev, true
}

func (c *Coordinator) stamp() quiz.Stamp {
	return quiz.Stamp{UserEmail: c.identity.UserEmail(), Now: c.now}
}

// edit runs a mutation under the lock, records the dirty slot, and when the
// edit is commit-worthy runs a save cycle.
func (c *Coordinator) edit(ctx context.Context, sectionID, questionID quiz.ID, commit bool,
	fn func(doc *quiz.Quiz, st quiz.Stamp) (int64, error)) error {

	c.mu.Lock()
	if c.doc == nil {
		c.mu.Unlock()
		return ErrNotLoaded
	}
	if c.state == StateSaving || c.state == StateUploading || c.state == StateConflict {
		c.mu.Unlock()
		return ErrSaveInFlight
	}
	prevRev, err := fn(c.doc, c.stamp())
	if err != nil {
		c.mu.Unlock()
		return err
	}
	// Last-write tracking: a new edit simply replaces whatever was tracked
	// before. See the protocol note in the package comment.
	c.dirty = &dirtySlot{sectionID: sectionID, questionID: questionID, prevRev: prevRev}
	c.state = StateEditing
	c.mu.Unlock()

	if !commit {
		return nil
	}
	return c.Save(ctx)
}

// AnswerScalar records a single-value answer (text, boolean, single-select).
// Free-text edits pass commit=false on every keystroke and commit=true on
// blur.
func (c *Coordinator) AnswerScalar(ctx context.Context, sectionID, questionID quiz.ID,
	value string, score quiz.Score, originalValue string, commit bool) error {
	return c.edit(ctx, sectionID, questionID, commit, func(doc *quiz.Quiz, st quiz.Stamp) (int64, error) {
		return doc.SetScalarAnswer(sectionID, questionID, value, score, originalValue, st)
	})
}

// AnswerOptions records a checklist or multi-select answer from serialized
// option payloads and commits immediately.
func (c *Coordinator) AnswerOptions(ctx context.Context, sectionID, questionID quiz.ID, payloads []string) error {
	return c.edit(ctx, sectionID, questionID, true, func(doc *quiz.Quiz, st quiz.Stamp) (int64, error) {
		return doc.SetOptionAnswers(sectionID, questionID, payloads, st)
	})
}

// AttachFile appends a file attachment to a file-upload answer and commits.
// The actual upload happens inside the save cycle, before the document save.
func (c *Coordinator) AttachFile(ctx context.Context, sectionID, questionID quiz.ID, att quiz.Attachment) error {
	return c.edit(ctx, sectionID, questionID, true, func(doc *quiz.Quiz, st quiz.Stamp) (int64, error) {
		return doc.AttachFile(sectionID, questionID, att, c.optionScore(doc, sectionID, questionID), st)
	})
}

// AttachLink appends an external URL to a file-upload answer and commits.
func (c *Coordinator) AttachLink(ctx context.Context, sectionID, questionID quiz.ID, url string) error {
	return c.edit(ctx, sectionID, questionID, true, func(doc *quiz.Quiz, st quiz.Stamp) (int64, error) {
		return doc.AttachLink(sectionID, questionID, url, c.optionScore(doc, sectionID, questionID), st)
	})
}

// optionScore reads the answer's score from the question's first option, the
// way attachments are scored.
func (c *Coordinator) optionScore(doc *quiz.Quiz, sectionID, questionID quiz.ID) quiz.Score {
	question := doc.QuestionByID(sectionID, questionID)
	if question == nil || len(question.Options) == 0 {
		return 0
	}
	return question.Options[0].Score
}

// RemoveResponse splices one response out of an answer and commits. A
// previously uploaded file is deleted from the backend once orphaned.
func (c *Coordinator) RemoveResponse(ctx context.Context, sectionID, questionID quiz.ID, index int) error {
	var orphan string
	err := c.edit(ctx, sectionID, questionID, true, func(doc *quiz.Quiz, st quiz.Stamp) (int64, error) {
		prev, orphanID, err := doc.RemoveResponse(sectionID, questionID, index, st)
		orphan = orphanID
		return prev, err
	})
	if orphan != "" {
		if delErr := c.svc.DeleteFile(ctx, orphan); delErr != nil {
			c.logger.Warn("failed to delete orphaned attachment",
				zap.String("file", orphan),
				zap.Error(delErr))
		}
	}
	return err
}

// CommentAnswer appends a comment to an answer's thread and commits.
func (c *Coordinator) CommentAnswer(ctx context.Context, sectionID, questionID quiz.ID, body string) error {
	return c.edit(ctx, sectionID, questionID, true, func(doc *quiz.Quiz, st quiz.Stamp) (int64, error) {
		return doc.AddComment(sectionID, questionID, body, st)
	})
}

// SetComments updates the document-level comments field. It tracks no dirty
// answer: a conflicting save can only be detected coarsely (see resolver).
// Pass commit=false while typing and commit=true on blur.
func (c *Coordinator) SetComments(ctx context.Context, text string, commit bool) error {
	c.mu.Lock()
	if c.doc == nil {
		c.mu.Unlock()
		return ErrNotLoaded
	}
	if c.state == StateSaving || c.state == StateUploading || c.state == StateConflict {
		c.mu.Unlock()
		return ErrSaveInFlight
	}
	c.doc.Comments = text
	c.state = StateEditing
	c.mu.Unlock()

	if !commit {
		return nil
	}
	return c.Save(ctx)
}

// Save pushes the current document to the backend, running attachment
// uploads first when any are pending. A 409 rejection is handed to the
// conflict resolver; any other failure is terminal for the attempt: the
// user is notified, the document is re-fetched, and dirty state is cleared.
func (c *Coordinator) Save(ctx context.Context) error {
	return c.save(ctx, false)
}

// Submit saves the document flagged as completed (submitted for review).
func (c *Coordinator) Submit(ctx context.Context) error {
	return c.save(ctx, true)
}

func (c *Coordinator) save(ctx context.Context, submit bool) error {
	c.mu.Lock()
	if c.doc == nil {
		c.mu.Unlock()
		return ErrNotLoaded
	}
	if c.state == StateSaving || c.state == StateUploading || c.state == StateConflict {
		c.mu.Unlock()
		return ErrSaveInFlight
	}

	doc := c.doc
	if submit {
		doc.Completed = true
	}
	doc.UserEmail = c.identity.UserEmail()
	rs := doc.RiskScore()
	doc.CurrentScore = rs.Score
	doc.AnsweredQuestions = rs.Answered

	pending := doc.PendingUploads()
	if len(pending) > 0 {
		c.state = StateUploading
	} else {
		c.state = StateSaving
	}
	c.mu.Unlock()

	if len(pending) > 0 {
		if err := c.runUploads(ctx, doc, pending); err != nil {
			c.mu.Lock()
			c.state = StateEditing
			c.mu.Unlock()
			return err
		}
		c.mu.Lock()
		c.state = StateSaving
		c.mu.Unlock()
	}

	saveCtx, cancel := c.boundCtx(ctx)
	defer cancel()
	saved, err := c.svc.Update(saveCtx, doc.ID, doc)
	switch {
	case err == nil:
		c.adopt(saved)
		c.logger.Debug("assessment saved",
			zap.String("id", doc.ID.String()),
			zap.Int64("generation", saved.Generation))
		return nil

	case errors.Is(err, client.ErrConflict):
		c.mu.Lock()
		c.state = StateConflict
		c.mu.Unlock()
		return c.resolveConflict(ctx)

	default:
		// Terminal: report and reload. No retry.
		c.notifier.Notify(Notification{
			Level:   "error",
			Message: "Assessment was not updated",
		})
		c.logger.Error("assessment save failed",
			zap.String("id", doc.ID.String()),
			zap.Error(err))
		c.reloadAfterFailure(ctx, doc.ID)
		return fmt.Errorf("save failed: %w", err)
	}
}

// runUploads executes the upload batch and rewrites file references in the
// document. Any failure aborts the batch and the save.
func (c *Coordinator) runUploads(ctx context.Context, doc *quiz.Quiz, pending []quiz.PendingUpload) error {
	uploadCtx, cancel := c.boundCtx(ctx)
	defer cancel()

	results := uploadAll(uploadCtx, c.svc, doc.ID, pending, c.uploadParallelism, c.logger)

	var failed []UploadFailure
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, UploadFailure{UploadID: res.Task.UploadID, Err: res.Err})
			continue
		}
		if err := doc.MarkUploaded(res.Task.SectionID, res.Task.QuestionID, res.Task.Index, res.FileID); err != nil {
			failed = append(failed, UploadFailure{UploadID: res.Task.UploadID, Err: err})
		}
	}
	if len(failed) > 0 {
		uerr := &UploadError{Failed: failed}
		c.notifier.Notify(Notification{
			Level:       "error",
			Message:     "Attachment upload failed",
			Description: uerr.Error(),
		})
		return uerr
	}
	return nil
}

// adopt replaces the in-memory document with the backend's canonical copy
// and clears dirty state.
func (c *Coordinator) adopt(saved *quiz.Quiz) {
	saved.Normalize()
	c.mu.Lock()
	c.doc = saved
	c.dirty = nil
	c.state = StateIdle
	c.mu.Unlock()
}

// reloadAfterFailure restores the document from the backend after a terminal
// save failure. Best effort: a failed reload keeps the local copy.
func (c *Coordinator) reloadAfterFailure(ctx context.Context, id quiz.ID) {
	fetchCtx, cancel := c.boundCtx(ctx)
	defer cancel()
	fresh, err := c.svc.Get(fetchCtx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Warn("failed to reload assessment after save failure", zap.Error(err))
	} else {
		fresh.Normalize()
		c.doc = fresh
	}
	c.dirty = nil
	c.state = StateIdle
}

func (c *Coordinator) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.saveTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.saveTimeout)
}
