// Package quiz provides the in-memory model of a collaborative assessment
// document and the mutation operations that edit it.
//
// An assessment is a hierarchy of sections, questions, and per-question
// answers. Each answer carries a revision marker (created_at, unix seconds)
// that is re-stamped on every mutation and used for optimistic concurrency
// comparison at save time. The document itself carries a generation number
// assigned by the backend; the backend rejects a save whose generation no
// longer matches the stored one.
package quiz

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jinzhu/copier"
)

// Question types understood by the model.
const (
	TypeChecklist    = "checklist"
	TypeBoolean      = "boolean"
	TypeText         = "text"
	TypeMultiSelect  = "multi-select"
	TypeSingleSelect = "single-select"
	TypeFileUpload   = "file upload"
)

// ID is a document identifier. The backend is inconsistent about whether ids
// arrive as JSON strings or numbers, so ID normalizes both to a string and
// all comparisons go through string equality.
type ID string

// String returns the normalized string form of the id.
func (id ID) String() string {
	return string(id)
}

// UnmarshalJSON accepts both string and numeric ids.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Score is a per-response risk score. Older documents store scores as
// numeric strings, so unmarshaling is tolerant of both forms.
type Score int

// Int returns the score as a plain int.
func (s Score) Int() int {
	return int(s)
}

// UnmarshalJSON accepts numbers, numeric strings, and null.
func (s *Score) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = 0
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*s = Score(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("score must be a number or a numeric string")
	}
	if str == "" {
		*s = 0
		return nil
	}
	n, err := strconv.Atoi(str)
	if err != nil {
		return fmt.Errorf("score %q is not numeric: %w", str, err)
	}
	*s = Score(n)
	return nil
}

// ResponseKind identifies which variant of the response union a Response holds.
type ResponseKind int

const (
	// KindScalar is a plain value/score response (text, boolean, selects).
	KindScalar ResponseKind = iota
	// KindFile is an attachment reference; Value holds the backend file id
	// once uploaded.
	KindFile
	// KindLink is an external URL attachment; never uploaded.
	KindLink
)

// Response type tags on the wire.
const (
	responseTypeFile = "file"
	responseTypeLink = "link"
)

// Attachment is a not-yet-uploaded file payload carried by a file response
// until the upload sequencer replaces it with a backend file id.
type Attachment struct {
	Name string
	Data []byte
}

// Response is one element of an answer. It stands in for the union
// scalar | file-ref | link-ref; Kind reports which variant is populated.
type Response struct {
	Value         string `json:"value" bson:"value"`
	Score         Score  `json:"score,omitempty" bson:"score"`
	OriginalValue string `json:"original_value,omitempty" bson:"original_value"`
	FileName      string `json:"file_name,omitempty" bson:"file_name"`
	Type          string `json:"type,omitempty" bson:"type"`
	Upload        bool   `json:"upload,omitempty" bson:"upload"`
	UploadID      string `json:"upload_id,omitempty" bson:"upload_id"`

	// Payload holds the local file content while an upload is pending.
	// It never goes over the wire.
	Payload *Attachment `json:"-" bson:"-"`
}

// ScalarResponse builds a value/score response.
func ScalarResponse(value string, score Score, originalValue string) Response {
	return Response{Value: value, Score: score, OriginalValue: originalValue}
}

// LinkResponse builds an external-URL response. Links need no upload.
func LinkResponse(url string, score Score) Response {
	return Response{Value: url, Type: responseTypeLink, Score: score}
}

// FileResponse builds a pending file response. Value stays empty until the
// upload completes and is rewritten to the backend-assigned file id.
func FileResponse(att Attachment, score Score, uploadID string) Response {
	return Response{
		FileName: att.Name,
		Type:     responseTypeFile,
		Score:    score,
		Upload:   true,
		UploadID: uploadID,
		Payload:  &att,
	}
}

// Kind reports the response variant.
func (r Response) Kind() ResponseKind {
	switch r.Type {
	case responseTypeFile:
		return KindFile
	case responseTypeLink:
		return KindLink
	default:
		return KindScalar
	}
}

// NeedsUpload reports whether the response is a file still waiting to be
// pushed to the backend.
func (r Response) NeedsUpload() bool {
	return r.Type == responseTypeFile && r.Upload
}

// ResponseList is the answer's response slice. Very old documents stored a
// single response object instead of an array; unmarshaling tolerates that
// shape by wrapping it in a one-element list.
type ResponseList []Response

// UnmarshalJSON decodes either an array of responses or a bare object.
func (l *ResponseList) UnmarshalJSON(data []byte) error {
	var list []Response
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var single Response
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("responses must be an array or a single object: %w", err)
	}
	*l = ResponseList{single}
	return nil
}

// Comment is a threaded note on an answer.
type Comment struct {
	Author    string `json:"author" bson:"author"`
	Body      string `json:"body" bson:"body"`
	CreatedAt int64  `json:"created_at" bson:"created_at"`
}

// Option is one selectable choice on a question.
type Option struct {
	Value    string `json:"value" bson:"value"`
	Score    Score  `json:"score" bson:"score"`
	Editable bool   `json:"editable,omitempty" bson:"editable"`
}

// Question is a single prompt inside a section.
type Question struct {
	ID      ID       `json:"id" bson:"id"`
	Name    string   `json:"name" bson:"name"`
	Type    string   `json:"type" bson:"type"`
	Options []Option `json:"options,omitempty" bson:"options"`
}

// Section groups questions.
type Section struct {
	ID          ID         `json:"id" bson:"id"`
	Name        string     `json:"name" bson:"name"`
	Description string     `json:"description,omitempty" bson:"description"`
	Questions   []Question `json:"questions" bson:"questions"`
}

// Answer is the per-question response record and the unit of conflict
// detection. CreatedAt is its revision marker.
type Answer struct {
	QuestionID ID           `json:"question_id" bson:"question_id"`
	Answered   bool         `json:"answered" bson:"answered"`
	Responses  ResponseList `json:"responses" bson:"responses"`
	UserEmail  string       `json:"user_email,omitempty" bson:"user_email"`
	CreatedAt  int64        `json:"created_at,omitempty" bson:"created_at"`
	Comments   []Comment    `json:"comments,omitempty" bson:"comments"`
}

// SectionResponse holds the answers for one section.
type SectionResponse struct {
	SectionID ID       `json:"section_id" bson:"section_id"`
	Answers   []Answer `json:"answers" bson:"answers"`
}

// Quiz is the full assessment document.
type Quiz struct {
	ID                ID                `json:"id" bson:"id"`
	Name              string            `json:"name,omitempty" bson:"name"`
	Generation        int64             `json:"generation,string" bson:"generation"`
	Sections          []Section         `json:"sections" bson:"sections"`
	SectionResponses  []SectionResponse `json:"section_responses" bson:"section_responses"`
	Completed         bool              `json:"completed" bson:"completed"`
	CurrentScore      int               `json:"current_score" bson:"current_score"`
	AnsweredQuestions int               `json:"answered_questions" bson:"answered_questions"`
	TotalQuestions    int               `json:"total_questions,omitempty" bson:"total_questions"`
	UserEmail         string            `json:"user_email,omitempty" bson:"user_email"`
	Comments          string            `json:"comments,omitempty" bson:"comments"`
}

// Copy creates a deep copy of the document. The copy shares no mutable state
// with the original.
func (q *Quiz) Copy() *Quiz {
	if q == nil {
		return nil
	}
	out := &Quiz{}
	if err := copier.CopyWithOption(out, q, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on incompatible shapes, which the same
		// struct type cannot produce.
		panic(fmt.Sprintf("quiz copy failed: %v", err))
	}
	return out
}

// Answer locates the answer record for a section/question pair inside
// SectionResponses. It returns nil when either side of the pair is unknown;
// it never panics on a malformed document.
func (q *Quiz) Answer(sectionID, questionID ID) *Answer {
	if q == nil {
		return nil
	}
	for i := range q.SectionResponses {
		if q.SectionResponses[i].SectionID.String() != sectionID.String() {
			continue
		}
		answers := q.SectionResponses[i].Answers
		for j := range answers {
			if answers[j].QuestionID.String() == questionID.String() {
				return &answers[j]
			}
		}
	}
	return nil
}

// ReplaceAnswer overwrites the answer record at the given pair with a copy of
// the provided answer. Used by conflict reconciliation to rebase a local edit
// onto a freshly fetched document.
func (q *Quiz) ReplaceAnswer(sectionID, questionID ID, a *Answer) error {
	target := q.Answer(sectionID, questionID)
	if target == nil {
		return ErrAnswerNotFound
	}
	*target = *a
	target.Responses = append(ResponseList(nil), a.Responses...)
	target.Comments = append([]Comment(nil), a.Comments...)
	return nil
}

// RiskScore is the aggregate computed over all answered assertions.
type RiskScore struct {
	Score    int
	Answered int
}

// RiskScore sums response scores across every answered assertion and counts
// the answered assertions.
func (q *Quiz) RiskScore() RiskScore {
	var total RiskScore
	for i := range q.SectionResponses {
		for j := range q.SectionResponses[i].Answers {
			a := &q.SectionResponses[i].Answers[j]
			if !a.Answered {
				continue
			}
			total.Answered++
			for _, r := range a.Responses {
				total.Score += r.Score.Int()
			}
		}
	}
	return total
}

// PendingUpload identifies one file response that still needs to be pushed
// to the backend before the document can be saved.
type PendingUpload struct {
	SectionID  ID
	QuestionID ID
	Index      int
	UploadID   string
	Attachment *Attachment
}

// PendingUploads collects every response with a pending file payload.
func (q *Quiz) PendingUploads() []PendingUpload {
	var pending []PendingUpload
	for i := range q.SectionResponses {
		sr := &q.SectionResponses[i]
		for j := range sr.Answers {
			a := &sr.Answers[j]
			if !a.Answered {
				continue
			}
			for k, r := range a.Responses {
				if r.NeedsUpload() {
					pending = append(pending, PendingUpload{
						SectionID:  sr.SectionID,
						QuestionID: a.QuestionID,
						Index:      k,
						UploadID:   r.UploadID,
						Attachment: r.Payload,
					})
				}
			}
		}
	}
	return pending
}

// MarkUploaded rewrites a file response with the backend-assigned file id and
// clears its pending flag.
func (q *Quiz) MarkUploaded(sectionID, questionID ID, index int, fileID string) error {
	a := q.Answer(sectionID, questionID)
	if a == nil {
		return ErrAnswerNotFound
	}
	if index < 0 || index >= len(a.Responses) {
		return ErrResponseIndex
	}
	a.Responses[index].Value = fileID
	a.Responses[index].Upload = false
	a.Responses[index].Payload = nil
	return nil
}

// FetchFileID builds the composite id under which an uploaded attachment is
// addressed on the files endpoint.
func (q *Quiz) FetchFileID(questionID ID, fileID string) string {
	return fmt.Sprintf("quiz/%s/assertion/%s/%s", q.ID, questionID, fileID)
}

// Normalize establishes the document invariant: exactly one SectionResponse
// per section and exactly one Answer per question. Missing records are
// created empty; existing records are preserved as-is.
func (q *Quiz) Normalize() {
	for _, s := range q.Sections {
		sr := q.sectionResponse(s.ID)
		if sr == nil {
			q.SectionResponses = append(q.SectionResponses, SectionResponse{SectionID: s.ID})
			sr = &q.SectionResponses[len(q.SectionResponses)-1]
		}
		for _, question := range s.Questions {
			if q.Answer(s.ID, question.ID) == nil {
				sr.Answers = append(sr.Answers, Answer{
					QuestionID: question.ID,
					Responses:  ResponseList{},
				})
			}
		}
	}
}

func (q *Quiz) sectionResponse(sectionID ID) *SectionResponse {
	for i := range q.SectionResponses {
		if q.SectionResponses[i].SectionID.String() == sectionID.String() {
			return &q.SectionResponses[i]
		}
	}
	return nil
}

// QuestionByID looks up the question definition for a section/question pair.
func (q *Quiz) QuestionByID(sectionID, questionID ID) *Question {
	for i := range q.Sections {
		if q.Sections[i].ID.String() != sectionID.String() {
			continue
		}
		for j := range q.Sections[i].Questions {
			if q.Sections[i].Questions[j].ID.String() == questionID.String() {
				return &q.Sections[i].Questions[j]
			}
		}
	}
	return nil
}
