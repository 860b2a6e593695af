package courier

import "time"

// Transport is the handle the ConnectionRegistry owns for the lifetime of a
// connection. The registry is the only component that closes a transport;
// the transport never reaches back into the registry.
type Transport interface {
	GetID() string
	UserID() string
	Device() DeviceInfo
	SendJSON(v interface{}) error
	IsActive() bool
	Close()
	OnClose(callback func(Transport) error)
	OnFrame(handler func(Frame, Transport) error)
	HandleFrames()
	ConnectedAt() time.Time
	LastHeartbeat() time.Time
	Heartbeat()
}

type frameHandler func(frame Frame, transport Transport) error
