package quiz

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stamp carries the editing user's identity and clock into a mutation.
// Every mutation stamps the touched answer with the user's email and a new
// created_at revision marker.
type Stamp struct {
	UserEmail string
	// Now returns the current unix time in seconds. Nil falls back to the
	// system clock.
	Now func() int64
}

// next produces a strictly increasing revision marker. Two edits inside the
// same second would otherwise collide, defeating the revision comparison.
func (s Stamp) next(prev int64) int64 {
	now := s.Now
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	rev := now()
	if rev <= prev {
		rev = prev + 1
	}
	return rev
}

// stamp records the edit on an answer and returns the previous revision
// marker for conflict detection.
func (s Stamp) stamp(a *Answer) (prevRev int64) {
	prevRev = a.CreatedAt
	a.UserEmail = s.UserEmail
	a.CreatedAt = s.next(prevRev)
	return prevRev
}

// SetScalarAnswer overwrites the answer's responses with a single scalar
// value (text, boolean, single-select). An empty value still commits but
// flips answered off.
func (q *Quiz) SetScalarAnswer(sectionID, questionID ID, value string, score Score, originalValue string, st Stamp) (int64, error) {
	a := q.Answer(sectionID, questionID)
	if a == nil {
		return 0, ErrAnswerNotFound
	}
	prev := st.stamp(a)
	a.Responses = ResponseList{ScalarResponse(value, score, originalValue)}
	a.Answered = value != ""
	return prev, nil
}

// optionPayload is the serialized form a checklist/multi-select choice
// arrives in: a small JSON object carrying value, score, and the option's
// original value. Checklist values may be booleans.
type optionPayload struct {
	Value         flexString `json:"value"`
	Score         Score      `json:"score"`
	OriginalValue flexString `json:"original_value"`
}

// flexString tolerates string, bool, and numeric JSON values.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.Trim(string(data), `"`))
	return nil
}

// SetOptionAnswers overwrites the answer's responses with the parsed set of
// serialized option payloads (checklist, multi-select). Each payload keeps
// its own value and score. A malformed payload rejects the whole mutation:
// the document is not touched.
func (q *Quiz) SetOptionAnswers(sectionID, questionID ID, payloads []string, st Stamp) (int64, error) {
	a := q.Answer(sectionID, questionID)
	if a == nil {
		return 0, ErrAnswerNotFound
	}
	parsed := make(ResponseList, 0, len(payloads))
	for _, p := range payloads {
		var op optionPayload
		if err := json.Unmarshal([]byte(p), &op); err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrBadOptionPayload, p, err)
		}
		parsed = append(parsed, ScalarResponse(string(op.Value), op.Score, string(op.OriginalValue)))
	}
	prev := st.stamp(a)
	a.Responses = parsed
	a.Answered = len(parsed) > 0
	return prev, nil
}

// AttachFile appends a pending file response to the answer. The question's
// option score is only awarded to the first response ever recorded, so
// attaching a second file does not re-score the answer. The returned
// prevRev is the answer's revision before the edit.
func (q *Quiz) AttachFile(sectionID, questionID ID, att Attachment, score Score, st Stamp) (int64, error) {
	a := q.Answer(sectionID, questionID)
	if a == nil {
		return 0, ErrAnswerNotFound
	}
	if len(a.Responses) > 0 {
		score = 0
	}
	uploadID := fmt.Sprintf("%s:%s:%d", q.ID, questionID, len(a.Responses))
	prev := st.stamp(a)
	a.Responses = append(a.Responses, FileResponse(att, score, uploadID))
	a.Answered = true
	return prev, nil
}

// AttachLink appends an external URL response. Links need no upload.
func (q *Quiz) AttachLink(sectionID, questionID ID, url string, score Score, st Stamp) (int64, error) {
	a := q.Answer(sectionID, questionID)
	if a == nil {
		return 0, ErrAnswerNotFound
	}
	if len(a.Responses) > 0 {
		score = 0
	}
	prev := st.stamp(a)
	a.Responses = append(a.Responses, LinkResponse(url, score))
	a.Answered = true
	return prev, nil
}

// RemoveResponse splices a single response out of the answer. When the last
// response goes away the answer flips back to unanswered. For a previously
// uploaded file the composite fetch-file id of the now-orphaned remote blob
// is returned so the caller can delete it.
func (q *Quiz) RemoveResponse(sectionID, questionID ID, index int, st Stamp) (prevRev int64, orphanFileID string, err error) {
	a := q.Answer(sectionID, questionID)
	if a == nil {
		return 0, "", ErrAnswerNotFound
	}
	if index < 0 || index >= len(a.Responses) {
		return 0, "", ErrResponseIndex
	}
	r := a.Responses[index]
	if r.Kind() == KindFile && !r.Upload && r.Value != "" {
		orphanFileID = q.FetchFileID(questionID, r.Value)
	}
	prevRev = st.stamp(a)
	a.Responses = append(a.Responses[:index], a.Responses[index+1:]...)
	if len(a.Responses) == 0 {
		a.Answered = false
	}
	return prevRev, orphanFileID, nil
}

// AddComment appends a comment to the answer's thread. Empty bodies are
// rejected before the document is touched.
func (q *Quiz) AddComment(sectionID, questionID ID, body string, st Stamp) (int64, error) {
	if strings.TrimSpace(body) == "" {
		return 0, ErrEmptyComment
	}
	a := q.Answer(sectionID, questionID)
	if a == nil {
		return 0, ErrAnswerNotFound
	}
	prev := st.stamp(a)
	a.Comments = append(a.Comments, Comment{
		Author:    st.UserEmail,
		Body:      body,
		CreatedAt: a.CreatedAt,
	})
	return prev, nil
}
