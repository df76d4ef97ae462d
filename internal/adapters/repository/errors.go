package repository

import "errors"

// Sentinel kinds for ranking store errors.
var (
	ErrNotFound        = errors.New("participant not found")
	ErrInvalidArgument = errors.New("invalid ranking store argument")
)
