package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger            = errors.New("no logger provided")
	ErrNoConfig            = errors.New("no config provided")
	ErrInvalidConfig       = errors.New("invalid config")
	ErrNoAPIKey            = errors.New("no API key provided")
	ErrNoSignalingURL      = errors.New("no signaling URL provided")
	ErrSessionNotConnected = errors.New("session not connected")
	ErrSessionEnded        = errors.New("session ended")
	ErrChannelNotOpen      = errors.New("data channel not open")
	ErrNoAudioTrack        = errors.New("no audio track found in microphone stream")
	ErrEmptyTurn           = errors.New("turn audio buffer is empty")
)

// ErrorKind classifies failures of a voice session.
type ErrorKind string

const (
	KindMediaAcquisition ErrorKind = "MediaAcquisitionError"
	KindSignaling        ErrorKind = "SignalingError"
	KindNegotiation      ErrorKind = "NegotiationError"
	KindChannel          ErrorKind = "ChannelError"
	KindDecode           ErrorKind = "DecodeError"
	KindTimeout          ErrorKind = "TimeoutError"
)

func (k ErrorKind) Error() string {
	return string(k)
}

// SessionError is the structured error recorded on a session.
type SessionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func NewSessionError(kind ErrorKind, msg string, err error) *SessionError {
	return &SessionError{Kind: kind, Message: msg, Err: err}
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is matches both another SessionError of the same kind and a bare ErrorKind.
func (e *SessionError) Is(target error) bool {
	switch t := target.(type) {
	case ErrorKind:
		return e.Kind == t
	case *SessionError:
		return t != nil && e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of the first SessionError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}
