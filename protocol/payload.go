package protocol

// Payload is the kind-specific body of a Message. Each kind has exactly one
// payload type; the codec selects it from the envelope type at decode time.
type Payload interface {
	Kind() Kind
	validate() error
}

// Command asks a device to perform one of the closed set of commands.
type Command struct {
	Command   CommandName       `json:"command"`
	Params    map[string]string `json:"params"`
	SessionID string            `json:"sessionId,omitempty"`
}

// CommandAck confirms a command. CommandID is the message id of the command.
type CommandAck struct {
	CommandID string      `json:"commandId"`
	Command   CommandName `json:"command"`
	State     State       `json:"state,omitempty"`
}

// CommandNack rejects a command with a device-reported error code.
type CommandNack struct {
	CommandID string      `json:"commandId"`
	Command   CommandName `json:"command"`
	Code      ErrorCode   `json:"errorCode"`
	Reason    string      `json:"reason,omitempty"`
}

// StatusRequest asks a device for a STATUS_RESPONSE.
type StatusRequest struct {
	Detailed bool `json:"detailed"`
}

// StatusResponse reports the device's own view of its state.
type StatusResponse struct {
	State            State  `json:"state"`
	Recording        bool   `json:"recording"`
	SessionID        string `json:"sessionId,omitempty"`
	StorageFreeBytes int64  `json:"storageFreeBytes"`
	BatteryPercent   int    `json:"batteryPercent"`
}

// Ping is a plain liveness probe answered by Pong with the same nonce.
type Ping struct {
	Nonce string `json:"nonce"`
}

// Pong answers a Ping.
type Pong struct {
	Nonce string `json:"nonce"`
}

// SyncPing starts one clock probe. Times are unix nanoseconds on the
// coordinator clock.
type SyncPing struct {
	Sequence       uint64 `json:"sequence"`
	ClientSendTime int64  `json:"clientSendTime"`
}

// SyncPong answers a SyncPing with the device receive and send times, in unix
// nanoseconds on the device clock.
type SyncPong struct {
	Sequence          uint64 `json:"sequence"`
	ClientSendTime    int64  `json:"clientSendTime"`
	ServerReceiveTime int64  `json:"serverReceiveTime"`
	ServerSendTime    int64  `json:"serverSendTime"`
}

// SyncMarker is a timestamped event injected into every device data stream.
// Both times are unix nanoseconds; DeviceTime is CoordinatorTime translated
// with the device's offset.
type SyncMarker struct {
	MarkerID        string     `json:"markerId"`
	Marker          MarkerKind `json:"marker"`
	Label           string     `json:"label,omitempty"`
	CoordinatorTime int64      `json:"coordinatorTime"`
	DeviceTime      int64      `json:"deviceTime"`
}

// Heartbeat is the periodic liveness report of a device.
type Heartbeat struct {
	Sequence       uint64 `json:"sequence"`
	State          State  `json:"state"`
	BatteryPercent int    `json:"batteryPercent"`
	UptimeMs       int64  `json:"uptimeMs"`
}

// HeartbeatAck acknowledges a heartbeat.
type HeartbeatAck struct {
	Sequence   uint64 `json:"sequence"`
	ReceivedAt int64  `json:"receivedAt"`
}

// ErrorReport carries an ERROR message.
type ErrorReport struct {
	Code             ErrorCode `json:"code"`
	Message          string    `json:"message"`
	RelatedMessageID string    `json:"relatedMessageId,omitempty"`
}

// DeviceReady is sent by a device once CMD_PREPARE has completed.
type DeviceReady struct {
	SessionID  string   `json:"sessionId,omitempty"`
	DeviceName string   `json:"deviceName,omitempty"`
	Modalities []string `json:"modalities"`
}

// SessionMarker announces the start or end of a recording session.
type SessionMarker struct {
	Marker    MarkerKind `json:"marker"`
	SessionID string     `json:"sessionId"`
	Timestamp int64      `json:"timestamp"`
}

func (Command) Kind() Kind        { return KindCommand }
func (CommandAck) Kind() Kind     { return KindCommandAck }
func (CommandNack) Kind() Kind    { return KindCommandNack }
func (StatusRequest) Kind() Kind  { return KindStatusRequest }
func (StatusResponse) Kind() Kind { return KindStatusResponse }
func (Ping) Kind() Kind           { return KindPing }
func (Pong) Kind() Kind           { return KindPong }
func (SyncPing) Kind() Kind       { return KindSyncPing }
func (SyncPong) Kind() Kind       { return KindSyncPong }
func (SyncMarker) Kind() Kind     { return KindSyncMarker }
func (Heartbeat) Kind() Kind      { return KindHeartbeat }
func (HeartbeatAck) Kind() Kind   { return KindHeartbeatAck }
func (ErrorReport) Kind() Kind    { return KindError }
func (DeviceReady) Kind() Kind    { return KindDeviceReady }
func (SessionMarker) Kind() Kind  { return KindSessionMarker }

func (p Command) validate() error {
	if !p.Command.Valid() {
		return invalidField("command")
	}
	return nil
}

func (p CommandAck) validate() error {
	if p.CommandID == "" {
		return missingField("commandId")
	}
	if !p.Command.Valid() {
		return invalidField("command")
	}
	if p.State != "" && !p.State.Valid() {
		return invalidField("state")
	}
	return nil
}

func (p CommandNack) validate() error {
	if p.CommandID == "" {
		return missingField("commandId")
	}
	if !p.Command.Valid() {
		return invalidField("command")
	}
	if !p.Code.Valid() {
		return invalidField("errorCode")
	}
	return nil
}

func (StatusRequest) validate() error { return nil }

func (p StatusResponse) validate() error {
	if !p.State.Valid() {
		return invalidField("state")
	}
	return nil
}

func (p Ping) validate() error {
	if p.Nonce == "" {
		return missingField("nonce")
	}
	return nil
}

func (p Pong) validate() error {
	if p.Nonce == "" {
		return missingField("nonce")
	}
	return nil
}

func (p SyncPing) validate() error {
	if p.Sequence == 0 {
		return missingField("sequence")
	}
	if p.ClientSendTime <= 0 {
		return missingField("clientSendTime")
	}
	return nil
}

func (p SyncPong) validate() error {
	switch {
	case p.Sequence == 0:
		return missingField("sequence")
	case p.ClientSendTime <= 0:
		return missingField("clientSendTime")
	case p.ServerReceiveTime <= 0:
		return missingField("serverReceiveTime")
	case p.ServerSendTime <= 0:
		return missingField("serverSendTime")
	case p.ServerSendTime < p.ServerReceiveTime:
		return invalidField("serverSendTime")
	}
	return nil
}

func (p SyncMarker) validate() error {
	if p.MarkerID == "" {
		return missingField("markerId")
	}
	if !p.Marker.Valid() {
		return invalidField("marker")
	}
	if p.CoordinatorTime <= 0 {
		return missingField("coordinatorTime")
	}
	return nil
}

func (p Heartbeat) validate() error {
	if !p.State.Valid() {
		return invalidField("state")
	}
	return nil
}

func (p HeartbeatAck) validate() error {
	if p.ReceivedAt <= 0 {
		return missingField("receivedAt")
	}
	return nil
}

func (p ErrorReport) validate() error {
	if !p.Code.Valid() {
		return invalidField("code")
	}
	return nil
}

func (DeviceReady) validate() error { return nil }

func (p SessionMarker) validate() error {
	if p.Marker != MarkerSessionStart && p.Marker != MarkerSessionEnd {
		return invalidField("marker")
	}
	if p.SessionID == "" {
		return missingField("sessionId")
	}
	if p.Timestamp <= 0 {
		return missingField("timestamp")
	}
	return nil
}

// newPayload returns a zero payload for kind, or false for an unknown kind.
func newPayload(kind Kind) (any, bool) {
	switch kind {
	case KindCommand:
		return &Command{}, true
	case KindCommandAck:
		return &CommandAck{}, true
	case KindCommandNack:
		return &CommandNack{}, true
	case KindStatusRequest:
		return &StatusRequest{}, true
	case KindStatusResponse:
		return &StatusResponse{}, true
	case KindPing:
		return &Ping{}, true
	case KindPong:
		return &Pong{}, true
	case KindSyncPing:
		return &SyncPing{}, true
	case KindSyncPong:
		return &SyncPong{}, true
	case KindSyncMarker:
		return &SyncMarker{}, true
	case KindHeartbeat:
		return &Heartbeat{}, true
	case KindHeartbeatAck:
		return &HeartbeatAck{}, true
	case KindError:
		return &ErrorReport{}, true
	case KindDeviceReady:
		return &DeviceReady{}, true
	case KindSessionMarker:
		return &SessionMarker{}, true
	default:
		return nil, false
	}
}

// deref turns the pointer allocated by newPayload back into a value payload.
func deref(ptr any) Payload {
	switch p := ptr.(type) {
	case *Command:
		return *p
	case *CommandAck:
		return *p
	case *CommandNack:
		return *p
	case *StatusRequest:
		return *p
	case *StatusResponse:
		return *p
	case *Ping:
		return *p
	case *Pong:
		return *p
	case *SyncPing:
		return *p
	case *SyncPong:
		return *p
	case *SyncMarker:
		return *p
	case *Heartbeat:
		return *p
	case *HeartbeatAck:
		return *p
	case *ErrorReport:
		return *p
	case *DeviceReady:
		return *p
	case *SessionMarker:
		return *p
	default:
		return nil
	}
}
