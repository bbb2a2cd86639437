package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
	"go.uber.org/zap"

	"quizsync/client"
	"quizsync/quiz"
)

// conflictDescription is the user-facing text surfaced when an edit cannot
// be reconciled.
const conflictDescription = "Question has been updated by someone else. Please refresh your assessment"

// resolveConflict handles a 409 save rejection. It re-fetches the
// authoritative document and compares the dirty answer's revision marker
// against the server's current value:
//
//   - the server's marker moved → a genuine conflict; the local edit is
//     discarded and the user is told to refresh;
//   - the marker is unchanged → nobody else touched the dirty answer; the
//     local answer is rebased onto the fresh document and the save is
//     reissued exactly once.
//
// With no dirty answer tracked the comparison falls back to the document's
// shared comments field, then to a whole-document divergence check: any
// difference not explained by the tracked edit is an unresolvable conflict.
func (c *Coordinator) resolveConflict(ctx context.Context) error {
	c.mu.Lock()
	local := c.doc
	dirty := c.dirty
	c.mu.Unlock()

	fetchCtx, cancel := c.boundCtx(ctx)
	defer cancel()
	fresh, err := c.svc.Get(fetchCtx, local.ID)
	if err != nil {
		c.mu.Lock()
		c.dirty = nil
		c.state = StateIdle
		c.mu.Unlock()
		return fmt.Errorf("conflict re-fetch failed: %w", err)
	}
	fresh.Normalize()

	if dirty != nil {
		return c.resolveDirtyAnswer(ctx, local, fresh, dirty)
	}
	return c.resolveWholeDocument(local, fresh)
}

func (c *Coordinator) resolveDirtyAnswer(ctx context.Context, local, fresh *quiz.Quiz, dirty *dirtySlot) error {
	freshAnswer := fresh.Answer(dirty.sectionID, dirty.questionID)
	if freshAnswer != nil && freshAnswer.CreatedAt != dirty.prevRev {
		// The edit target moved server-side after our base revision.
		// Never overwrite the newer value.
		c.logger.Info("edit conflict detected",
			zap.String("section", dirty.sectionID.String()),
			zap.String("question", dirty.questionID.String()),
			zap.Int64("base_revision", dirty.prevRev),
			zap.Int64("server_revision", freshAnswer.CreatedAt))
		return c.surfaceConflict(&ConflictError{
			SectionID:  dirty.sectionID,
			QuestionID: dirty.questionID,
			LocalRev:   dirty.prevRev,
			ServerRev:  freshAnswer.CreatedAt,
		})
	}

	// No divergence on the dirty answer: rebase the local edit onto the
	// fresh document and reissue the save. One attempt only.
	localAnswer := local.Answer(dirty.sectionID, dirty.questionID)
	if localAnswer == nil {
		return c.surfaceConflict(&ConflictError{SectionID: dirty.sectionID, QuestionID: dirty.questionID})
	}
	if err := fresh.ReplaceAnswer(dirty.sectionID, dirty.questionID, localAnswer); err != nil {
		return c.surfaceConflict(&ConflictError{SectionID: dirty.sectionID, QuestionID: dirty.questionID})
	}
	fresh.Completed = local.Completed
	fresh.UserEmail = local.UserEmail
	rs := fresh.RiskScore()
	fresh.CurrentScore = rs.Score
	fresh.AnsweredQuestions = rs.Answered

	c.mu.Lock()
	c.doc = fresh
	c.state = StateSaving
	c.mu.Unlock()

	c.logger.Info("rebasing local edit onto fresh document",
		zap.String("section", dirty.sectionID.String()),
		zap.String("question", dirty.questionID.String()))

	saveCtx, cancel := c.boundCtx(ctx)
	defer cancel()
	saved, err := c.svc.Update(saveCtx, fresh.ID, fresh)
	switch {
	case err == nil:
		c.adopt(saved)
		return nil
	case errors.Is(err, client.ErrConflict):
		// A second rejection inside one save cycle is not reconciled.
		return c.surfaceConflict(&ConflictError{
			SectionID:  dirty.sectionID,
			QuestionID: dirty.questionID,
			LocalRev:   dirty.prevRev,
		})
	default:
		c.notifier.Notify(Notification{Level: "error", Message: "Assessment was not updated"})
		c.reloadAfterFailure(ctx, fresh.ID)
		return fmt.Errorf("reconciled save failed: %w", err)
	}
}

// resolveWholeDocument handles a 409 with no dirty answer tracked, e.g. a
// document-level comments edit. Anything beyond an identical document is a
// conflict: there is no field-level base revision to rebase from.
func (c *Coordinator) resolveWholeDocument(local, fresh *quiz.Quiz) error {
	if local.Comments != fresh.Comments {
		return c.surfaceConflict(&ConflictError{})
	}
	diverged, err := documentsDiverge(local, fresh)
	if err != nil || diverged {
		return c.surfaceConflict(&ConflictError{})
	}
	// Nothing actually differs; the 409 was purely a stale generation.
	// Adopt the fresh document and stand down.
	c.adopt(fresh)
	return nil
}

// documentsDiverge compares the editable portions of two documents via a
// JSON merge patch: an empty patch means no divergence.
func documentsDiverge(local, fresh *quiz.Quiz) (bool, error) {
	type editable struct {
		SectionResponses []quiz.SectionResponse `json:"section_responses"`
		Comments         string                 `json:"comments"`
		Completed        bool                   `json:"completed"`
	}
	localJSON, err := json.Marshal(editable{local.SectionResponses, local.Comments, local.Completed})
	if err != nil {
		return false, err
	}
	freshJSON, err := json.Marshal(editable{fresh.SectionResponses, fresh.Comments, fresh.Completed})
	if err != nil {
		return false, err
	}
	patch, err := jsonpatch.CreateMergePatch(freshJSON, localJSON)
	if err != nil {
		return false, err
	}
	return string(patch) != "{}", nil
}

// surfaceConflict notifies the user, discards dirty state, and returns the
// conflict as an error. The local document is left untouched so the UI can
// show what the user typed next to the refresh prompt.
func (c *Coordinator) surfaceConflict(cerr *ConflictError) error {
	c.notifier.Notify(Notification{
		Level:       "error",
		Message:     "Assessment update conflict",
		Description: conflictDescription,
	})
	c.mu.Lock()
	c.dirty = nil
	c.state = StateIdle
	c.mu.Unlock()
	return cerr
}
