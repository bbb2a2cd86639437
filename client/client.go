// Package client talks to the quiz backend over its REST surface: fetching
// and saving assessment documents, uploading attachments, and fetching or
// deleting stored files.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"quizsync/core"
	"quizsync/quiz"
)

var (
	// ErrConflict is returned when a save is rejected with HTTP 409 because
	// the document changed server-side since it was read.
	ErrConflict = errors.New("document revision conflict")

	// ErrNotFound is returned for HTTP 404.
	ErrNotFound = errors.New("document not found")
)

// StatusError is returned for any unexpected HTTP status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// UploadRequest carries one attachment to the upload endpoint.
type UploadRequest struct {
	QuizID        quiz.ID
	QuestionID    quiz.ID
	ResponseIndex int
	FileName      string
	Data          []byte
}

// Service is the backend surface the edit protocol depends on.
type Service interface {
	// Get fetches the authoritative document.
	Get(ctx context.Context, id quiz.ID) (*quiz.Quiz, error)

	// Update pushes the whole document. The backend either accepts it and
	// returns the canonical saved document, or rejects it with ErrConflict
	// when the document's generation no longer matches.
	Update(ctx context.Context, id quiz.ID, doc *quiz.Quiz) (*quiz.Quiz, error)

	// UploadFile pushes one attachment and returns the backend-assigned
	// file id.
	UploadFile(ctx context.Context, req UploadRequest) (string, error)

	// DeleteFile removes an orphaned attachment by its composite fetch id.
	DeleteFile(ctx context.Context, fetchFileID string) error

	// FetchFile retrieves raw attachment bytes by composite fetch id.
	FetchFile(ctx context.Context, fetchFileID string) ([]byte, error)
}

// HTTPService implements Service over net/http.
type HTTPService struct {
	base   string
	http   *http.Client
	header http.Header
	logger *zap.Logger
}

// HTTPOption configures an HTTPService.
type HTTPOption func(*HTTPService)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPService) { s.http = c }
}

// WithHeader adds a header (e.g. authorization) to every request.
func WithHeader(key, value string) HTTPOption {
	return func(s *HTTPService) { s.header.Set(key, value) }
}

// WithClientLogger replaces the request logger.
func WithClientLogger(l *zap.Logger) HTTPOption {
	return func(s *HTTPService) { s.logger = l }
}

// NewHTTPService creates a client for the backend at baseURL
// (e.g. "https://api.example.com/v1").
func NewHTTPService(baseURL string, opts ...HTTPOption) *HTTPService {
	s := &HTTPService{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		header: http.Header{},
		logger: core.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get fetches the document by id.
func (s *HTTPService) Get(ctx context.Context, id quiz.ID) (*quiz.Quiz, error) {
	var doc quiz.Quiz
	if err := s.doJSON(ctx, http.MethodGet, "/quiz/"+url.PathEscape(id.String()), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Update saves the whole document.
func (s *HTTPService) Update(ctx context.Context, id quiz.ID, doc *quiz.Quiz) (*quiz.Quiz, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var saved quiz.Quiz
	if err := s.doJSON(ctx, http.MethodPut, "/quiz/"+url.PathEscape(id.String()), body, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// UploadFile pushes one attachment as multipart form data.
func (s *HTTPService) UploadFile(ctx context.Context, req UploadRequest) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("question_id", req.QuestionID.String()); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := mw.WriteField("response_index", strconv.Itoa(req.ResponseIndex)); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	fw, err := mw.CreateFormFile("file", req.FileName)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := fw.Write(req.Data); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.base+"/quiz/"+url.PathEscape(req.QuizID.String())+"/upload", &buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	s.applyHeaders(httpReq)

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	return out.ID, nil
}

// DeleteFile removes a stored attachment.
func (s *HTTPService) DeleteFile(ctx context.Context, fetchFileID string) error {
	return s.doJSON(ctx, http.MethodDelete, "/files/"+fetchFileID, nil, nil)
}

// FetchFile retrieves raw attachment bytes.
func (s *HTTPService) FetchFile(ctx context.Context, fetchFileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/files/"+fetchFileID, nil)
	if err != nil {
		return nil, err
	}
	s.applyHeaders(req)
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("file fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (s *HTTPService) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	s.applyHeaders(req)

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	s.logger.Debug("backend request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (s *HTTPService) applyHeaders(req *http.Request) {
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}
