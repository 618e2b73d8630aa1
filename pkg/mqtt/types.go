package mqtt

import (
	"time"
)

type Event struct {
	Topic     string
	Payload   []byte
	Timestamp time.Time
}

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateError
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateError:
		return "error"
	default:
		return "unknown"
	}
}
