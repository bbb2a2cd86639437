// Package server implements the reference quiz backend: the REST surface
// the edit protocol talks to. It owns the authoritative copy of every
// assessment document and arbitrates concurrent saves through a
// generation compare-and-swap, rejecting stale writers with HTTP 409.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"quizsync/core"
	"quizsync/quiz"
	"quizsync/server/event"
	"quizsync/server/filestore"
	"quizsync/server/store"
)

// maxUploadBytes caps a single attachment upload.
const maxUploadBytes = 32 << 20

// Server wires the HTTP handlers to the document store, the attachment
// store, and the optional event publisher.
type Server struct {
	store  store.Store
	files  filestore.FileStore
	events *event.Publisher
	logger *zap.Logger
	now    func() int64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithEvents installs an event publisher. Nil disables events.
func WithEvents(p *event.Publisher) ServerOption {
	return func(s *Server) { s.events = p }
}

// WithServerLogger replaces the logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerClock replaces the revision clock (unix seconds).
func WithServerClock(now func() int64) ServerOption {
	return func(s *Server) { s.now = now }
}

// New creates a server over the given stores.
func New(st store.Store, files filestore.FileStore, opts ...ServerOption) *Server {
	s := &Server{
		store:  st,
		files:  files,
		logger: core.GetLogger(),
		now:    func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	v1.POST("/quiz", s.createQuiz)
	v1.GET("/quiz/:id", s.getQuiz)
	v1.PUT("/quiz/:id", s.updateQuiz)
	v1.POST("/quiz/:id/upload", s.uploadFile)
	v1.GET("/files/*id", s.getFile)
	v1.DELETE("/files/*id", s.deleteFile)
	return r
}

func (s *Server) createQuiz(c *gin.Context) {
	var doc quiz.Quiz
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if doc.ID == "" {
		doc.ID = quiz.ID(uuid.NewString())
	}
	doc.Normalize()
	doc.TotalQuestions = totalQuestions(&doc)

	stored, err := s.store.Create(c.Request.Context(), &doc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (s *Server) getQuiz(c *gin.Context) {
	id := quiz.ID(c.Param("id"))
	doc, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "assessment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// updateQuiz is the whole-document save. The incoming generation must match
// the stored one; otherwise the save is rejected with 409 and the client
// runs its conflict resolution.
func (s *Server) updateQuiz(c *gin.Context) {
	id := quiz.ID(c.Param("id"))
	var incoming quiz.Quiz
	if err := c.ShouldBindJSON(&incoming); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	incoming.ID = id

	if err := validateResponses(&incoming); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stored, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "assessment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.stampChangedAnswers(&incoming, stored)

	// The server owns the aggregates.
	rs := incoming.RiskScore()
	incoming.CurrentScore = rs.Score
	incoming.AnsweredQuestions = rs.Answered
	incoming.TotalQuestions = totalQuestions(&incoming)

	saved, err := s.store.Put(c.Request.Context(), &incoming, incoming.Generation)
	switch {
	case err == nil:
		s.publish(saved)
		c.JSON(http.StatusOK, saved)
	case errors.Is(err, store.ErrGenerationMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "assessment has a different generation"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "assessment not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// stampChangedAnswers assigns server-side revision markers: every answer
// whose content differs from the stored copy gets a fresh created_at, and
// untouched answers keep their stored marker regardless of what the client
// stamped locally.
func (s *Server) stampChangedAnswers(incoming, stored *quiz.Quiz) {
	now := s.now()
	for i := range incoming.SectionResponses {
		sr := &incoming.SectionResponses[i]
		for j := range sr.Answers {
			a := &sr.Answers[j]
			prev := stored.Answer(sr.SectionID, a.QuestionID)
			if prev == nil {
				a.CreatedAt = now
				continue
			}
			if answersEqual(a, prev) {
				a.CreatedAt = prev.CreatedAt
				continue
			}
			rev := now
			if rev <= prev.CreatedAt {
				rev = prev.CreatedAt + 1
			}
			a.CreatedAt = rev
		}
	}
}

// answersEqual compares the content of two answers, ignoring revision
// markers and the stamping user.
func answersEqual(a, b *quiz.Answer) bool {
	type content struct {
		Answered  bool
		Responses quiz.ResponseList
		Comments  []quiz.Comment
	}
	aj, err := json.Marshal(content{a.Answered, a.Responses, a.Comments})
	if err != nil {
		return false
	}
	bj, err := json.Marshal(content{b.Answered, b.Responses, b.Comments})
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// validateResponses rejects documents that are not ready to persist: file
// responses still flagged for upload, and file values that are not
// server-assigned UUIDs.
func validateResponses(doc *quiz.Quiz) error {
	for i := range doc.SectionResponses {
		for j := range doc.SectionResponses[i].Answers {
			a := &doc.SectionResponses[i].Answers[j]
			if !a.Answered {
				continue
			}
			for _, r := range a.Responses {
				if r.NeedsUpload() {
					return fmt.Errorf("question %s has an attachment that was never uploaded", a.QuestionID)
				}
				if r.Kind() == quiz.KindFile && r.Value != "" {
					if _, err := uuid.Parse(r.Value); err != nil {
						return fmt.Errorf("question %s: file value %q is not a valid file id", a.QuestionID, r.Value)
					}
				}
			}
		}
	}
	return nil
}

func (s *Server) publish(doc *quiz.Quiz) {
	eventType := event.QuizUpdated
	if doc.Completed {
		eventType = event.QuizCompleted
	}
	payload := gin.H{
		"id":                 doc.ID,
		"generation":         doc.Generation,
		"current_score":      doc.CurrentScore,
		"answered_questions": doc.AnsweredQuestions,
		"completed":          doc.Completed,
	}
	if err := s.events.Publish(eventType, payload); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("type", eventType),
			zap.Error(err))
	}
}

func (s *Server) uploadFile(c *gin.Context) {
	quizID := c.Param("id")
	questionID := c.PostForm("question_id")
	if questionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question_id is required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	fileID := uuid.NewString()
	fetchID := fmt.Sprintf("quiz/%s/assertion/%s/%s", quizID, questionID, fileID)
	if err := s.files.Put(c.Request.Context(), fetchID, data); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Debug("attachment stored",
		zap.String("quiz", quizID),
		zap.String("question", questionID),
		zap.String("file", fileID),
		zap.Int("bytes", len(data)))
	c.JSON(http.StatusOK, gin.H{"id": fileID})
}

func (s *Server) getFile(c *gin.Context) {
	id := strings.TrimPrefix(c.Param("id"), "/")
	data, err := s.files.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) deleteFile(c *gin.Context) {
	id := strings.TrimPrefix(c.Param("id"), "/")
	if err := s.files.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func totalQuestions(doc *quiz.Quiz) int {
	total := 0
	for _, s := range doc.Sections {
		total += len(s.Questions)
	}
	return total
}
