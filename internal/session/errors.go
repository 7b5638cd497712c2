package session

import (
	"errors"
	"fmt"
)

// Precondition violations. These are reported synchronously to the caller
// and never reach the network worker.
var (
	// ErrNotConnected rejects publish/subscribe/unsubscribe attempts made
	// while the session is not in the Connected state.
	ErrNotConnected = errors.New("session is not connected")

	// ErrAlreadyConnected rejects a connect request unless the session is
	// fully Disconnected. Connect-while-Connecting is included: cancelling
	// a half-open handshake is explicitly unsupported.
	ErrAlreadyConnected = errors.New("session is not disconnected")

	// ErrAlreadySubscribed rejects a duplicate subscription; the existing
	// entry is kept untouched.
	ErrAlreadySubscribed = errors.New("topic filter already subscribed")

	// ErrNotSubscribed rejects an unsubscribe for an unknown topic filter.
	ErrNotSubscribed = errors.New("topic filter not subscribed")

	// ErrSessionClosed is returned by all request methods after Close.
	ErrSessionClosed = errors.New("session closed")
)

// invalidTopicError reports a topic or filter the facade refused to forward.
type invalidTopicError struct {
	topic string
}

func (e *invalidTopicError) Error() string {
	return fmt.Sprintf("invalid topic %q", e.topic)
}

// IsInvalidTopic reports whether err is a topic validation failure, so
// transport layers can classify it as a bad request.
func IsInvalidTopic(err error) bool {
	var e *invalidTopicError
	return errors.As(err, &e)
}

func validateTopic(topic string) error {
	if topic == "" {
		return &invalidTopicError{topic: topic}
	}
	return nil
}
