package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/mqdeck-io/mqdeck/pkg/log"
)

// stubConn satisfies net.Conn without any real I/O.
type stubConn struct {
	mu     sync.Mutex
	closed int
}

func (c *stubConn) Read(p []byte) (int, error)  { return 0, errors.New("stub") }
func (c *stubConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}
func (c *stubConn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
func (c *stubConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *stubConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *stubConn) SetDeadline(t time.Time) error      { return nil }
func (c *stubConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *stubConn) SetWriteDeadline(t time.Time) error { return nil }

// fakeClient is a scriptable brokerClient.
type fakeClient struct {
	mu sync.Mutex
	cb clientCallbacks

	connectErr   error
	connackCode  byte
	connectGate  chan struct{} // when non-nil, Connect blocks until closed
	subackCode   byte
	unsubackCode byte
	publishErr   error

	published    []*paho.Publish
	subscribed   []string
	unsubscribed []string
	disconnects  int
}

func (f *fakeClient) Connect(ctx context.Context, cp *paho.Connect) (*paho.Connack, error) {
	if f.connectGate != nil {
		<-f.connectGate
	}
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &paho.Connack{ReasonCode: f.connackCode}, nil
}

func (f *fakeClient) Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error) {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, s.Subscriptions[0].Topic)
	f.mu.Unlock()
	return &paho.Suback{Reasons: []byte{f.subackCode}}, nil
}

func (f *fakeClient) Unsubscribe(ctx context.Context, u *paho.Unsubscribe) (*paho.Unsuback, error) {
	f.mu.Lock()
	f.unsubscribed = append(f.unsubscribed, u.Topics[0])
	f.mu.Unlock()
	return &paho.Unsuback{Reasons: []byte{f.unsubackCode}}, nil
}

func (f *fakeClient) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.mu.Lock()
	f.published = append(f.published, p)
	f.mu.Unlock()
	return &paho.PublishResponse{}, nil
}

func (f *fakeClient) Disconnect(d *paho.Disconnect) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) deliver(msg Message) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb.onMessage(msg)
}

func (f *fakeClient) dropConnection(err error) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb.onError(err)
}

func (f *fakeClient) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// recorder collects notifications in emission order.
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) listen(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, n := range r.notes {
		if n.Kind == StateChanged {
			out = append(out, n.State)
		}
	}
	return out
}

func (r *recorder) count(kind NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.Kind == kind {
			n++
		}
	}
	return n
}

func quietLogger() log.Logger {
	return log.New(&log.Options{Level: "error", Format: log.FormatJSON, OutputPaths: []string{"stderr"}, DisableCaller: true})
}

func testConfig() Config {
	return Config{
		ID:       "conn-1",
		Name:     "test",
		ClientID: "mqdeck-test",
		Host:     "broker.local",
		Port:     1883,
		Protocol: "mqtt",
	}
}

func newTestSession(t *testing.T, fc *fakeClient, conn *stubConn, flush time.Duration) (*Session, *recorder) {
	t.Helper()
	if conn == nil {
		conn = &stubConn{}
	}
	s := New(testConfig(), Options{
		FlushInterval: flush,
		Logger:        quietLogger(),
		dial:          func(cfg *Config) (net.Conn, error) { return conn, nil },
		clientFactory: func(c net.Conn, cfg *Config, cb clientCallbacks) brokerClient {
			fc.mu.Lock()
			fc.cb = cb
			fc.mu.Unlock()
			return fc
		},
	})
	rec := &recorder{}
	s.AddListener(rec.listen)
	t.Cleanup(s.Close)
	return s, rec
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectSession(t *testing.T, s *Session) {
	t.Helper()
	if err := s.RequestConnect(); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	eventually(t, "connected state", func() bool { return s.State() == Connected })
}

func TestConnectDisconnectLifecycle(t *testing.T) {
	fc := &fakeClient{}
	s, rec := newTestSession(t, fc, nil, 0)

	connectSession(t, s)
	if err := s.RequestDisconnect(); err != nil {
		t.Fatalf("RequestDisconnect: %v", err)
	}
	eventually(t, "disconnected state", func() bool { return s.State() == Disconnected })

	want := []State{Connecting, Connected, Disconnecting, Disconnected}
	got := rec.states()
	if len(got) != len(want) {
		t.Fatalf("state notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state notifications = %v, want %v", got, want)
		}
	}
}

func TestConnectWhileConnectedRejected(t *testing.T) {
	fc := &fakeClient{}
	s, _ := newTestSession(t, fc, nil, 0)
	connectSession(t, s)

	if err := s.RequestConnect(); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second connect err = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnectFailureReturnsToDisconnected(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("handshake refused")}
	conn := &stubConn{}
	s, rec := newTestSession(t, fc, conn, 0)

	if err := s.RequestConnect(); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	eventually(t, "fallback to disconnected", func() bool { return s.State() == Disconnected })

	if s.LastError() == "" {
		t.Error("LastError is empty after a failed connect")
	}
	if conn.CloseCount() == 0 {
		t.Error("transport not released on connect failure")
	}
	got := rec.states()
	if len(got) != 2 || got[0] != Connecting || got[1] != Disconnected {
		t.Fatalf("state notifications = %v, want [connecting disconnected]", got)
	}

	// the failure is recoverable with a fresh connect
	fc.connectErr = nil
	connectSession(t, s)
}

func TestBrokerRefusedConnack(t *testing.T) {
	fc := &fakeClient{connackCode: 0x87}
	s, _ := newTestSession(t, fc, nil, 0)

	if err := s.RequestConnect(); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	eventually(t, "fallback to disconnected", func() bool { return s.State() == Disconnected })
	if s.LastError() == "" {
		t.Error("LastError is empty after a refused connack")
	}
}

func TestDisconnectWhileConnectingRejected(t *testing.T) {
	gate := make(chan struct{})
	fc := &fakeClient{connectGate: gate}
	s, _ := newTestSession(t, fc, nil, 0)

	if err := s.RequestConnect(); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	eventually(t, "connecting state", func() bool { return s.State() == Connecting })

	if err := s.RequestDisconnect(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("disconnect while connecting err = %v, want ErrNotConnected", err)
	}
	close(gate)
	eventually(t, "connected state", func() bool { return s.State() == Connected })
}

func TestPublishWhileDisconnectedRejected(t *testing.T) {
	fc := &fakeClient{}
	s, rec := newTestSession(t, fc, nil, 0)

	err := s.RequestPublish("a/b", []byte("x"), AtLeastOnce, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("publish err = %v, want ErrNotConnected", err)
	}
	if n := len(s.Messages()); n != 0 {
		t.Errorf("stream has %d entries after rejected publish, want 0", n)
	}
	if fc.publishCount() != 0 {
		t.Error("rejected publish reached the worker")
	}
	if rec.count(MessagesAppended) != 0 {
		t.Error("rejected publish produced a notification")
	}
}

func TestPublishRecordsIntent(t *testing.T) {
	fc := &fakeClient{}
	s, _ := newTestSession(t, fc, nil, 0)
	connectSession(t, s)

	if err := s.RequestPublish("sensors/temp", []byte("21.5"), AtLeastOnce, true); err != nil {
		t.Fatalf("RequestPublish: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("stream has %d entries, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Direction != Outbound || m.Topic != "sensors/temp" || !m.Retain {
		t.Errorf("unexpected stream entry: %+v", m)
	}
	eventually(t, "publish forwarded", func() bool { return fc.publishCount() == 1 })
}

func TestDuplicateSubscribeRejected(t *testing.T) {
	fc := &fakeClient{}
	s, _ := newTestSession(t, fc, nil, 0)
	connectSession(t, s)

	if err := s.RequestSubscribe("a/b", AtLeastOnce, "#ff0000"); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := s.RequestSubscribe("a/b", ExactlyOnce, "#00ff00"); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("second subscribe err = %v, want ErrAlreadySubscribed", err)
	}

	subs := s.Subscriptions()
	if len(subs) != 1 {
		t.Fatalf("registry has %d entries, want 1", len(subs))
	}
	if subs[0].QoS != AtLeastOnce {
		t.Errorf("registry QoS = %v, want the first request's %v", subs[0].QoS, AtLeastOnce)
	}
}

func TestSubscribeRollbackOnReject(t *testing.T) {
	fc := &fakeClient{subackCode: 0x87}
	s, rec := newTestSession(t, fc, nil, 0)
	connectSession(t, s)

	if err := s.RequestSubscribe("denied/topic", AtMostOnce, ""); err != nil {
		t.Fatalf("RequestSubscribe: %v", err)
	}
	eventually(t, "rollback", func() bool { return len(s.Subscriptions()) == 0 })

	// one optimistic add, one rollback
	if n := rec.count(SubscriptionsChanged); n != 2 {
		t.Errorf("SubscriptionsChanged fired %d times, want 2", n)
	}
}

func TestUnsubscribeRestoredOnReject(t *testing.T) {
	fc := &fakeClient{unsubackCode: 0x80}
	s, _ := newTestSession(t, fc, nil, 0)
	connectSession(t, s)

	if err := s.RequestSubscribe("keep/me", AtLeastOnce, "#abc"); err != nil {
		t.Fatalf("RequestSubscribe: %v", err)
	}
	eventually(t, "subscription settled", func() bool { return len(s.Subscriptions()) == 1 })

	if err := s.RequestUnsubscribe("keep/me"); err != nil {
		t.Fatalf("RequestUnsubscribe: %v", err)
	}
	eventually(t, "restore", func() bool {
		subs := s.Subscriptions()
		return len(subs) == 1 && subs[0].Topic == "keep/me" && subs[0].QoS == AtLeastOnce
	})
}

func TestUnsubscribeUnknownTopic(t *testing.T) {
	fc := &fakeClient{}
	s, _ := newTestSession(t, fc, nil, 0)
	connectSession(t, s)

	if err := s.RequestUnsubscribe("never/subscribed"); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("err = %v, want ErrNotSubscribed", err)
	}
}

func TestInboundBurstIsBatched(t *testing.T) {
	const total = 1000
	fc := &fakeClient{}
	s, rec := newTestSession(t, fc, nil, 50*time.Millisecond)
	connectSession(t, s)

	for i := 0; i < total; i++ {
		fc.deliver(Message{
			Direction: Inbound,
			Topic:     "burst/data",
			Payload:   []byte{byte(i), byte(i >> 8)},
			Timestamp: time.Now(),
		})
	}

	eventually(t, "all messages in stream", func() bool { return len(s.Messages()) == total })

	msgs := s.Messages()
	for i, m := range msgs {
		got := int(m.Payload[0]) | int(m.Payload[1])<<8
		if got != i {
			t.Fatalf("message %d out of order: payload encodes %d", i, got)
		}
	}

	// at most a handful of flush notifications for the whole burst
	if n := rec.count(MessagesAppended); n > 25 {
		t.Errorf("burst produced %d MessagesAppended notifications, want a small bounded count", n)
	}
}

func TestConnectionLostReleasesTransport(t *testing.T) {
	fc := &fakeClient{}
	conn := &stubConn{}
	s, rec := newTestSession(t, fc, conn, 0)
	connectSession(t, s)

	fc.dropConnection(errors.New("broken pipe"))
	eventually(t, "disconnected state", func() bool { return s.State() == Disconnected })

	if conn.CloseCount() == 0 {
		t.Error("transport not released after connection loss")
	}
	if s.LastError() == "" {
		t.Error("LastError empty after connection loss")
	}
	states := rec.states()
	if states[len(states)-1] != Disconnected {
		t.Errorf("final state notification = %v, want Disconnected", states[len(states)-1])
	}
}

func TestOrderingOfMessagesAndStateChange(t *testing.T) {
	fc := &fakeClient{}
	s, rec := newTestSession(t, fc, nil, time.Hour)
	connectSession(t, s)

	// two messages buffered behind the leading-edge flush, then a drop:
	// the flush must be observed before the state change
	fc.deliver(Message{Direction: Inbound, Topic: "t", Payload: []byte("1")})
	fc.deliver(Message{Direction: Inbound, Topic: "t", Payload: []byte("2")})
	fc.deliver(Message{Direction: Inbound, Topic: "t", Payload: []byte("3")})
	fc.dropConnection(errors.New("gone"))

	eventually(t, "disconnected state", func() bool { return s.State() == Disconnected })
	if n := len(s.Messages()); n != 3 {
		t.Fatalf("stream has %d messages, want 3", n)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	sawDisconnected := false
	appended := 0
	for _, n := range rec.notes {
		if n.Kind == StateChanged && n.State == Disconnected {
			sawDisconnected = true
		}
		if n.Kind == MessagesAppended {
			if sawDisconnected {
				t.Fatal("MessagesAppended observed after the Disconnected notification")
			}
			appended++
		}
	}
	if appended == 0 {
		t.Fatal("no MessagesAppended notification before the state change")
	}
}

func TestCloseQuiesces(t *testing.T) {
	fc := &fakeClient{}
	s, rec := newTestSession(t, fc, nil, 0)
	connectSession(t, s)

	s.Close()

	if got := s.State(); got != Disconnected {
		t.Errorf("state after Close = %v, want Disconnected", got)
	}

	rec.mu.Lock()
	seen := len(rec.notes)
	rec.mu.Unlock()

	// events after close must not surface
	fc.deliver(Message{Direction: Inbound, Topic: "late"})
	fc.dropConnection(errors.New("late error"))
	time.Sleep(20 * time.Millisecond)

	rec.mu.Lock()
	after := len(rec.notes)
	rec.mu.Unlock()
	if after != seen {
		t.Errorf("notifications delivered after Close: %d -> %d", seen, after)
	}

	if err := s.RequestConnect(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("connect after Close err = %v, want ErrSessionClosed", err)
	}
}

func TestClearMessages(t *testing.T) {
	fc := &fakeClient{}
	s, _ := newTestSession(t, fc, nil, 0)
	connectSession(t, s)

	if err := s.RequestPublish("a", []byte("1"), AtMostOnce, false); err != nil {
		t.Fatalf("RequestPublish: %v", err)
	}
	s.ClearMessages()
	if n := len(s.Messages()); n != 0 {
		t.Errorf("stream has %d entries after clear, want 0", n)
	}
}
