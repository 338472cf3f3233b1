package realtime

// SessionState is the lifecycle position of a Session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateAcquiringMedia
	StateNegotiating
	StateConnected
	StateClosing
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring_media"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	}
	return "unknown"
}

// active reports whether a start attempt or live session owns resources.
func (s SessionState) active() bool {
	switch s {
	case StateAcquiringMedia, StateNegotiating, StateConnected, StateClosing:
		return true
	}
	return false
}
