package engine

import (
	"errors"
	"fmt"
)

// Expected absences. Cascades advance silently past these.
var (
	ErrNoTracks         = errors.New("no caption tracks")
	ErrAudioUnavailable = errors.New("audio unavailable")
	ErrSttExhausted     = errors.New("speech-to-text providers exhausted")
	ErrQueueExhausted   = errors.New("transcription attempts exhausted")
	ErrInvalidVideoID   = errors.New("invalid video id")
	ErrBlockedHost      = errors.New("host not in allow-list")
	ErrTooLarge         = errors.New("payload exceeds byte ceiling")
)

// NetworkError is a timeout or connection failure against an external endpoint.
// It is never retried in place; the cascade moves to the next tier.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// CodecError means the host changed the shape of its obfuscation script.
type CodecError struct {
	Stage string
	Err   error
}

func (e *CodecError) Error() string { return fmt.Sprintf("codec %s: %v", e.Stage, e.Err) }
func (e *CodecError) Unwrap() error { return e.Err }

// ParseError means a payload was fetched but could not be decoded.
type ParseError struct {
	Format string
	Err    error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Format, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// IsExpectedAbsence reports errors that mean "this tier has nothing", not "this tier broke".
func IsExpectedAbsence(err error) bool {
	return errors.Is(err, ErrNoTracks) || errors.Is(err, ErrAudioUnavailable)
}
