package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// QoS is an MQTT delivery-guarantee level.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	case ExactlyOnce:
		return "exactly-once"
	default:
		return fmt.Sprintf("qos(%d)", byte(q))
	}
}

// Config describes one broker connection profile. A Config is immutable once
// a Session is bound to it; changing connection parameters means deleting the
// profile and creating a new one.
//
// The JSON tags define the persisted schema used by the connection store.
type Config struct {
	ID       string `json:"id" mapstructure:"id"`
	Name     string `json:"name" mapstructure:"name"`
	ClientID string `json:"clientId" mapstructure:"client-id"`

	// Protocol is the transport scheme, "mqtt" or "mqtts".
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Host     string `json:"host" mapstructure:"host"`
	Port     uint16 `json:"port" mapstructure:"port"`

	// QoS is the default level applied to publishes when the caller does
	// not pick one explicitly.
	QoS QoS `json:"qos" mapstructure:"qos"`

	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`

	// TLS enables a TLS handshake on top of the TCP connection.
	TLS bool `json:"tls" mapstructure:"tls"`
	// InsecureSkipVerify disables certificate verification. Testing only.
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" mapstructure:"insecure-skip-verify"`

	// TimeoutSeconds bounds the transport dial plus CONNECT handshake.
	TimeoutSeconds int `json:"timeout" mapstructure:"timeout"`
	// KeepAliveSeconds is the MQTT keep-alive interval sent to the broker.
	KeepAliveSeconds int  `json:"keepAlive" mapstructure:"keep-alive"`
	CleanSession     bool `json:"cleanSession" mapstructure:"clean-session"`

	// AutoReconnect is persisted for the benefit of policy layers; the
	// engine itself never reconnects on its own.
	AutoReconnect bool `json:"autoReconnect" mapstructure:"auto-reconnect"`

	LastWillTopic   string `json:"lastWillTopic,omitempty" mapstructure:"last-will-topic"`
	LastWillQoS     QoS    `json:"lastWillQoS,omitempty" mapstructure:"last-will-qos"`
	LastWillRetain  bool   `json:"lastWillRetain,omitempty" mapstructure:"last-will-retain"`
	LastWillPayload []byte `json:"lastWillPayload,omitempty" mapstructure:"last-will-payload"`

	// Description is derived from name/host/port, kept in the persisted
	// form so presentation layers can show it without recomputing.
	Description string `json:"description,omitempty" mapstructure:"description"`
}

const (
	defaultTimeoutSeconds   = 10
	defaultKeepAliveSeconds = 60
)

// SetDefaults applies safe defaults for fields the user left zero.
func (c *Config) SetDefaults() {
	if c.Protocol == "" {
		c.Protocol = "mqtt"
	}
	if c.Port == 0 {
		if c.TLS {
			c.Port = 8883
		} else {
			c.Port = 1883
		}
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.KeepAliveSeconds <= 0 {
		c.KeepAliveSeconds = defaultKeepAliveSeconds
	}
	if c.Description == "" {
		c.Description = c.describe()
	}
}

// Validate checks that the config can be dialed.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("connection id is required")
	}
	if c.Host == "" {
		return errors.New("broker host is required")
	}
	if c.Protocol != "mqtt" && c.Protocol != "mqtts" {
		return fmt.Errorf("unsupported protocol %q", c.Protocol)
	}
	if !c.QoS.Valid() {
		return fmt.Errorf("invalid default qos %d", c.QoS)
	}
	if c.LastWillTopic != "" && !c.LastWillQoS.Valid() {
		return fmt.Errorf("invalid last-will qos %d", c.LastWillQoS)
	}
	return nil
}

// Addr returns the host:port dial target.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Timeout returns the dial/handshake deadline as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *Config) describe() string {
	return fmt.Sprintf("%s@%s:%d", c.Name, c.Host, c.Port)
}
