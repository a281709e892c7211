package domain

import "errors"

var (
	// ErrUnauthorized is returned when the bearer credential is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBattleNotFound covers a missing battle and a battle that is not in the
	// state an operation requires (already joined, not yet started, not a
	// participant). Kept deliberately coarse so a racing caller learns nothing.
	ErrBattleNotFound = errors.New("battle not found")
	// ErrInvalidInput is returned for malformed battle parameters.
	ErrInvalidInput = errors.New("invalid battle parameters")
	// ErrSelfJoin is returned when a creator tries to join their own battle.
	ErrSelfJoin = errors.New("cannot join your own battle")
	// ErrSubjectNotFound indicates the referenced subject does not exist.
	ErrSubjectNotFound = errors.New("subject not found")
	// ErrQuestionNotFound indicates the question is not part of the battle's set.
	ErrQuestionNotFound = errors.New("question not found in battle")
	// ErrOptionNotFound indicates the selected option does not belong to the question.
	ErrOptionNotFound = errors.New("option not found")
	// ErrQuestionSetNotFound indicates the battle's question set has not been materialized.
	ErrQuestionSetNotFound = errors.New("question set not materialized")
)
