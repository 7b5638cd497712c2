package session

// messageStream is the append-only log of application messages exchanged on
// a session. Entries are never mutated or removed except by clear. Like the
// subscription registry it is owned by the facade and relies on the facade
// lock for safety.
type messageStream struct {
	messages []Message
}

func newMessageStream() *messageStream {
	return &messageStream{}
}

func (s *messageStream) append(msg Message) {
	s.messages = append(s.messages, msg)
}

// appendBatch appends a flushed inbound buffer in arrival order.
func (s *messageStream) appendBatch(batch []Message) {
	s.messages = append(s.messages, batch...)
}

// snapshot returns a copy of the log so consumers can read it without
// holding the facade lock.
func (s *messageStream) snapshot() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *messageStream) len() int {
	return len(s.messages)
}

func (s *messageStream) clear() {
	s.messages = nil
}
