package service

import "errors"

var (
	// ErrNotRunning is returned by operations that need a started service.
	ErrNotRunning = errors.New("service not running")
	// ErrBackpressure is returned when the ingestion queue is full.
	ErrBackpressure = errors.New("ingestion queue full")
	// ErrParticipantNotFound is returned for rank queries on unknown ids.
	ErrParticipantNotFound = errors.New("participant not found")
)
