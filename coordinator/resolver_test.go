package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quizsync/client"
	"quizsync/coordinator"
	"quizsync/quiz"
)

// stubService scripts the backend: every call delegates to a replaceable
// function and counts invocations.
type stubService struct {
	mu      sync.Mutex
	gets    int
	updates int
	uploads int

	getFn    func(id quiz.ID) (*quiz.Quiz, error)
	updateFn func(id quiz.ID, doc *quiz.Quiz) (*quiz.Quiz, error)
	uploadFn func(req client.UploadRequest) (string, error)
	deleteFn func(fetchFileID string) error
}

func (s *stubService) Get(_ context.Context, id quiz.ID) (*quiz.Quiz, error) {
	s.mu.Lock()
	s.gets++
	fn := s.getFn
	s.mu.Unlock()
	return fn(id)
}

func (s *stubService) Update(_ context.Context, id quiz.ID, doc *quiz.Quiz) (*quiz.Quiz, error) {
	s.mu.Lock()
	s.updates++
	fn := s.updateFn
	s.mu.Unlock()
	return fn(id, doc)
}

func (s *stubService) UploadFile(_ context.Context, req client.UploadRequest) (string, error) {
	s.mu.Lock()
	s.uploads++
	fn := s.uploadFn
	s.mu.Unlock()
	if fn == nil {
		return "", errors.New("unexpected upload")
	}
	return fn(req)
}

func (s *stubService) DeleteFile(_ context.Context, fetchFileID string) error {
	if s.deleteFn == nil {
		return nil
	}
	return s.deleteFn(fetchFileID)
}

func (s *stubService) FetchFile(_ context.Context, _ string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *stubService) counts() (gets, updates, uploads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.updates, s.uploads
}

func baseDoc() *quiz.Quiz {
	doc := &quiz.Quiz{
		ID:   "vendor-1",
		Name: "Vendor security assessment",
		Sections: []quiz.Section{
			{ID: "10", Questions: []quiz.Question{
				{ID: "100", Type: quiz.TypeText},
				{ID: "101", Type: quiz.TypeBoolean},
			}},
			{ID: "20", Questions: []quiz.Question{
				{ID: "200", Type: quiz.TypeFileUpload, Options: []quiz.Option{{Value: "attached", Score: 3}}},
			}},
		},
		Generation: 1,
	}
	doc.Normalize()
	return doc
}

func TestReconciliationAttemptedExactlyOnce(t *testing.T) {
	svc := &stubService{}
	svc.getFn = func(quiz.ID) (*quiz.Quiz, error) { return baseDoc(), nil }
	// Every save is rejected. Re-fetches return a document whose dirty
	// answer is untouched, so the resolver rebases and retries once.
	svc.updateFn = func(quiz.ID, *quiz.Quiz) (*quiz.Quiz, error) {
		return nil, client.ErrConflict
	}

	var notes notificationLog
	c := coordinator.New(svc, coordinator.StaticIdentity("alice@x.io"),
		coordinator.WithNotifier(&notes))
	require.NoError(t, c.Load(context.Background(), "vendor-1"))

	err := c.AnswerScalar(context.Background(), "10", "100", "Acme", 0, "", true)
	var cerr *coordinator.ConflictError
	require.ErrorAs(t, err, &cerr)

	_, updates, _ := svc.counts()
	assert.Equal(t, 2, updates, "original save plus exactly one reconciled retry")
	assert.Contains(t, notes.messages(), "Assessment update conflict")
	assert.Equal(t, coordinator.StateIdle, c.State())
}

func TestFailedUploadAbortsSave(t *testing.T) {
	svc := &stubService{}
	svc.getFn = func(quiz.ID) (*quiz.Quiz, error) { return baseDoc(), nil }
	svc.updateFn = func(_ quiz.ID, doc *quiz.Quiz) (*quiz.Quiz, error) {
		t.Fatal("document save must not run after an upload failure")
		return nil, nil
	}
	svc.uploadFn = func(client.UploadRequest) (string, error) {
		return "", errors.New("storage unavailable")
	}

	var notes notificationLog
	c := coordinator.New(svc, coordinator.StaticIdentity("alice@x.io"),
		coordinator.WithNotifier(&notes))
	require.NoError(t, c.Load(context.Background(), "vendor-1"))

	err := c.AttachFile(context.Background(), "20", "200", quiz.Attachment{Name: "a.pdf", Data: []byte("x")})
	var uerr *coordinator.UploadError
	require.ErrorAs(t, err, &uerr)
	require.Len(t, uerr.Failed, 1)
	assert.Equal(t, "vendor-1:200:0", uerr.Failed[0].UploadID)

	assert.Equal(t, coordinator.StateEditing, c.State(), "document stays editable for a retry")
	assert.Contains(t, notes.messages(), "Attachment upload failed")

	// The pending attachment is still there; a later save retries it.
	assert.Len(t, c.Document().PendingUploads(), 1)
}

func TestPartialUploadFailureAbortsWholeBatch(t *testing.T) {
	svc := &stubService{}
	svc.getFn = func(quiz.ID) (*quiz.Quiz, error) { return baseDoc(), nil }
	svc.updateFn = func(_ quiz.ID, doc *quiz.Quiz) (*quiz.Quiz, error) {
		t.Fatal("document save must not run after an upload failure")
		return nil, nil
	}
	svc.uploadFn = func(req client.UploadRequest) (string, error) {
		if req.FileName == "bad.pdf" {
			return "", errors.New("storage unavailable")
		}
		return "11111111-2222-3333-4444-555555555555", nil
	}

	c := coordinator.New(svc, coordinator.StaticIdentity("alice@x.io"),
		coordinator.WithUploadParallelism(1))
	require.NoError(t, c.Load(context.Background(), "vendor-1"))

	// The first attachment cannot upload; its save cycle aborts and the
	// pending file stays on the answer.
	var uerr *coordinator.UploadError
	err := c.AttachFile(context.Background(), "20", "200", quiz.Attachment{Name: "bad.pdf", Data: []byte("b")})
	require.ErrorAs(t, err, &uerr)

	// A second attachment joins the batch. One upload succeeds, the retried
	// one still fails, and the whole save is aborted again.
	err = c.AttachFile(context.Background(), "20", "200", quiz.Attachment{Name: "good.pdf", Data: []byte("g")})
	require.ErrorAs(t, err, &uerr)
	require.Len(t, uerr.Failed, 1)
	assert.Contains(t, uerr.Failed[0].Err.Error(), "storage unavailable")

	_, updates, uploads := svc.counts()
	assert.Zero(t, updates)
	assert.Equal(t, 3, uploads)
}

func TestTerminalSaveFailureReloadsDocument(t *testing.T) {
	fresh := baseDoc()
	fresh.Generation = 5

	svc := &stubService{}
	first := true
	svc.getFn = func(quiz.ID) (*quiz.Quiz, error) {
		if first {
			first = false
			return baseDoc(), nil
		}
		return fresh, nil
	}
	svc.updateFn = func(quiz.ID, *quiz.Quiz) (*quiz.Quiz, error) {
		return nil, &client.StatusError{Code: 500, Body: "boom"}
	}

	var notes notificationLog
	c := coordinator.New(svc, coordinator.StaticIdentity("alice@x.io"),
		coordinator.WithNotifier(&notes))
	require.NoError(t, c.Load(context.Background(), "vendor-1"))

	err := c.AnswerScalar(context.Background(), "10", "100", "Acme", 0, "", true)
	require.Error(t, err)
	var cerr *coordinator.ConflictError
	assert.False(t, errors.As(err, &cerr), "a 500 is not a conflict")

	assert.Contains(t, notes.messages(), "Assessment was not updated")
	assert.Equal(t, coordinator.StateIdle, c.State())
	assert.Equal(t, int64(5), c.Document().Generation, "local copy restored from the backend")
	_, _, _, dirty := c.Dirty()
	assert.False(t, dirty)
}

func TestCommentsConflictWithoutDirtyAnswer(t *testing.T) {
	fresh := baseDoc()
	fresh.Comments = "someone else's verdict"
	fresh.Generation = 2

	svc := &stubService{}
	first := true
	svc.getFn = func(quiz.ID) (*quiz.Quiz, error) {
		if first {
			first = false
			return baseDoc(), nil
		}
		return fresh, nil
	}
	svc.updateFn = func(quiz.ID, *quiz.Quiz) (*quiz.Quiz, error) {
		return nil, client.ErrConflict
	}

	var notes notificationLog
	c := coordinator.New(svc, coordinator.StaticIdentity("alice@x.io"),
		coordinator.WithNotifier(&notes))
	require.NoError(t, c.Load(context.Background(), "vendor-1"))

	err := c.SetComments(context.Background(), "my verdict", true)
	var cerr *coordinator.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, notes.messages(), "Assessment update conflict")
	assert.Equal(t, "my verdict", c.Document().Comments, "local text kept for the UI")
}

func TestStaleGenerationWithoutDivergenceAdoptsFreshDocument(t *testing.T) {
	fresh := baseDoc()
	fresh.Generation = 4

	svc := &stubService{}
	first := true
	svc.getFn = func(quiz.ID) (*quiz.Quiz, error) {
		if first {
			first = false
			return baseDoc(), nil
		}
		return fresh, nil
	}
	svc.updateFn = func(quiz.ID, *quiz.Quiz) (*quiz.Quiz, error) {
		return nil, client.ErrConflict
	}

	c := coordinator.New(svc, coordinator.StaticIdentity("alice@x.io"))
	require.NoError(t, c.Load(context.Background(), "vendor-1"))

	// Nothing was edited locally; the stale generation came from e.g. a
	// server-side metadata touch. No conflict to surface.
	require.NoError(t, c.Save(context.Background()))
	assert.Equal(t, int64(4), c.Document().Generation)
	assert.Equal(t, coordinator.StateIdle, c.State())
}
