package protocol

// Kind identifies the message variant carried by an envelope.
type Kind string

const (
	KindCommand        Kind = "COMMAND"
	KindCommandAck     Kind = "COMMAND_ACK"
	KindCommandNack    Kind = "COMMAND_NACK"
	KindStatusRequest  Kind = "STATUS_REQUEST"
	KindStatusResponse Kind = "STATUS_RESPONSE"
	KindPing           Kind = "PING"
	KindPong           Kind = "PONG"
	KindSyncPing       Kind = "SYNC_PING"
	KindSyncPong       Kind = "SYNC_PONG"
	KindSyncMarker     Kind = "SYNC_MARKER"
	KindHeartbeat      Kind = "HEARTBEAT"
	KindHeartbeatAck   Kind = "HEARTBEAT_ACK"
	KindError          Kind = "ERROR"
	KindDeviceReady    Kind = "DEVICE_READY"
	KindSessionMarker  Kind = "SESSION_MARKER"
)

// CommandName is the closed set of commands a coordinator may issue.
type CommandName string

const (
	CmdStart    CommandName = "CMD_START"
	CmdStop     CommandName = "CMD_STOP"
	CmdStatus   CommandName = "CMD_STATUS"
	CmdPrepare  CommandName = "CMD_PREPARE"
	CmdReset    CommandName = "CMD_RESET"
	CmdSyncPing CommandName = "SYNC_PING"
)

// Valid reports whether c belongs to the closed command set.
func (c CommandName) Valid() bool {
	switch c {
	case CmdStart, CmdStop, CmdStatus, CmdPrepare, CmdReset, CmdSyncPing:
		return true
	default:
		return false
	}
}

// State is the wire representation of a device session state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateIdle         State = "IDLE"
	StatePreparing    State = "PREPARING"
	StateReady        State = "READY"
	StateRecording    State = "RECORDING"
	StateStopping     State = "STOPPING"
	StateError        State = "ERROR"
)

// AllStates lists every device state in lifecycle order.
var AllStates = []State{
	StateDisconnected, StateIdle, StatePreparing, StateReady, StateRecording, StateStopping, StateError,
}

// Valid reports whether s is a known device state.
func (s State) Valid() bool {
	switch s {
	case StateDisconnected, StateIdle, StatePreparing, StateReady, StateRecording, StateStopping, StateError:
		return true
	default:
		return false
	}
}

// ErrorCode classifies command and device failures.
type ErrorCode string

const (
	ErrUnknownCommand      ErrorCode = "UNKNOWN_COMMAND"
	ErrInvalidState        ErrorCode = "INVALID_STATE"
	ErrDeviceBusy          ErrorCode = "DEVICE_BUSY"
	ErrInsufficientStorage ErrorCode = "INSUFFICIENT_STORAGE"
	ErrPermissionDenied    ErrorCode = "PERMISSION_DENIED"
	ErrHardwareError       ErrorCode = "HARDWARE_ERROR"
	ErrNetworkError        ErrorCode = "NETWORK_ERROR"
	ErrTimeout             ErrorCode = "TIMEOUT"
)

// Valid reports whether e is a known error code.
func (e ErrorCode) Valid() bool {
	switch e {
	case ErrUnknownCommand, ErrInvalidState, ErrDeviceBusy, ErrInsufficientStorage,
		ErrPermissionDenied, ErrHardwareError, ErrNetworkError, ErrTimeout:
		return true
	default:
		return false
	}
}

// Retryable is true only for transport-class failures. Logical rejections
// reported by a device can never succeed on retransmission.
func (e ErrorCode) Retryable() bool {
	return e == ErrTimeout || e == ErrNetworkError
}

// MarkerKind labels a sync marker injected into every device stream.
type MarkerKind string

const (
	MarkerSessionStart  MarkerKind = "SESSION_START"
	MarkerSessionEnd    MarkerKind = "SESSION_END"
	MarkerCalibration   MarkerKind = "CALIBRATION"
	MarkerCustom        MarkerKind = "CUSTOM"
	MarkerTimeReference MarkerKind = "TIME_REFERENCE"
)

// Valid reports whether m is a known marker kind.
func (m MarkerKind) Valid() bool {
	switch m {
	case MarkerSessionStart, MarkerSessionEnd, MarkerCalibration, MarkerCustom, MarkerTimeReference:
		return true
	default:
		return false
	}
}
