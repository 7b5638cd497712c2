package session

import (
	"fmt"
	"time"
)

// Direction tells whether a message was published by this client or
// delivered to it by the broker.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "outbound":
		*d = Outbound
	case "inbound":
		*d = Inbound
	default:
		return fmt.Errorf("unknown direction %q", text)
	}
	return nil
}

// Message is one entry in a session's message stream. Values are immutable
// once appended. Payload marshals as base64, like the persisted last-will
// payload in connection profiles.
type Message struct {
	Direction Direction `json:"direction"`
	Topic     string    `json:"topic"`
	QoS       QoS       `json:"qos"`
	Payload   []byte    `json:"payload"`
	// Retain is meaningful for outbound messages only.
	Retain    bool      `json:"retain,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
