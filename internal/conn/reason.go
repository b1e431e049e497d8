package conn

import "strings"

// Disconnect reasons reported by transports and the manager itself.
const (
	ReasonLoggedOut        = "logged_out"
	ReasonMainDeviceGone   = "main_device_gone"
	ReasonUnknownLogout    = "unknown_logout"
	ReasonConnectionLost   = "connection_lost"
	ReasonConnectionClosed = "connection_closed"
	ReasonKeepAliveTimeout = "keepalive_timeout"
	ReasonTimedOut         = "timed_out"
	ReasonRestartRequired  = "restart_required"
	ReasonStreamReplaced   = "stream_replaced"
	ReasonStreamError      = "stream_error"
	ReasonTempBanned       = "temp_banned"
	ReasonClientOutdated   = "client_outdated"
	ReasonServerError      = "server_error"
	ReasonServiceDown      = "service_unavailable"
	ReasonConnectError     = "connect_error"
	ReasonConnectTimeout   = "connect_timeout"
	ReasonQRTimeout        = "qr_timeout"
	ReasonRepair           = "repair"
	ReasonOperatorLogout   = "operator_logout"
	ReasonOperatorRetry    = "operator_reconnect"

	// ReasonUnknownPrefix marks codes the transport could not map.
	ReasonUnknownPrefix = "unknown:"
)

// Class is how a disconnect reason is handled.
type Class int

const (
	// Transient reasons are retried with backoff.
	Transient Class = iota
	// Terminal reasons erase credentials and stop all retries.
	Terminal
	// Unknown reasons are retried up to a cap, then parked.
	Unknown
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

var terminalReasons = map[string]bool{
	ReasonLoggedOut:      true,
	ReasonMainDeviceGone: true,
	ReasonUnknownLogout:  true,
}

var transientReasons = map[string]bool{
	ReasonConnectionLost:   true,
	ReasonConnectionClosed: true,
	ReasonKeepAliveTimeout: true,
	ReasonTimedOut:         true,
	ReasonRestartRequired:  true,
	ReasonStreamReplaced:   true,
	ReasonTempBanned:       true,
	ReasonClientOutdated:   true,
	ReasonServerError:      true,
	ReasonServiceDown:      true,
	ReasonConnectError:     true,
	ReasonConnectTimeout:   true,
}

// Classify maps a disconnect reason to its handling class. Reasons may carry
// a ":detail" suffix.
func Classify(reason string) Class {
	if strings.HasPrefix(reason, ReasonUnknownPrefix) {
		return Unknown
	}
	base, _, _ := strings.Cut(reason, ":")
	switch {
	case terminalReasons[base]:
		return Terminal
	case transientReasons[base], base == ReasonStreamError:
		return Transient
	default:
		return Unknown
	}
}
