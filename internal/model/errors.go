package model

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned when a mutation targets a delivered, failed or expired record.
	ErrTerminal = errors.New("delivery record is in a terminal state")
	ErrConflict = errors.New("conflict")
	// ErrLeaseLost is returned when a worker writes to a record another worker has since claimed.
	ErrLeaseLost = errors.New("delivery record lease is held by another owner")
)
