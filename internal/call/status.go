package call

// Status is the externally observed call state. Single-writer: only the
// session's event loop transitions it.
type Status int

const (
	StatusIdle Status = iota
	StatusAcquiringMedia
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAcquiringMedia:
		return "acquiring_media"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status ends the current call attempt.
// A fresh attempt via Retry builds a brand-new peer connection session.
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusError
}

// ErrorClass is the user-facing failure classification. The caller always
// observes status plus classification — never an exception — so UI code can
// render consistently regardless of failure origin.
type ErrorClass string

const (
	ErrClassNone              ErrorClass = ""
	ErrClassPermissionDenied  ErrorClass = "permission_denied"
	ErrClassDeviceUnavailable ErrorClass = "device_unavailable"
	ErrClassNetwork           ErrorClass = "network"
	ErrClassSignaling         ErrorClass = "signaling"
	ErrClassConfig            ErrorClass = "config"
	ErrClassUnknown           ErrorClass = "unknown"
)
