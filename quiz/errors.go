package quiz

import "errors"

var (
	// ErrAnswerNotFound is returned when no answer record exists for a section/question pair
	ErrAnswerNotFound = errors.New("answer not found")

	// ErrEmptyComment is returned when an empty comment body is submitted
	ErrEmptyComment = errors.New("comment body is empty")

	// ErrBadOptionPayload is returned when a serialized option payload cannot be parsed
	ErrBadOptionPayload = errors.New("malformed option payload")

	// ErrResponseIndex is returned when a response index is out of range
	ErrResponseIndex = errors.New("response index out of range")
)
