package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/mqdeck-io/mqdeck/pkg/log"
)

// brokerClient is the slice of the paho client the worker drives. Tests
// substitute a fake; production uses *paho.Client.
type brokerClient interface {
	Connect(ctx context.Context, cp *paho.Connect) (*paho.Connack, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Unsubscribe(ctx context.Context, u *paho.Unsubscribe) (*paho.Unsuback, error)
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(d *paho.Disconnect) error
}

// clientCallbacks carries the worker hooks wired into the codec client.
// They may fire on the codec's own goroutines.
type clientCallbacks struct {
	onMessage          func(Message)
	onError            func(error)
	onServerDisconnect func(reason string)
}

type dialFunc func(cfg *Config) (net.Conn, error)

type clientFactory func(conn net.Conn, cfg *Config, cb clientCallbacks) brokerClient

// liveConn bundles the transport handle with its codec client. The teardown
// once guarantees the conn is released exactly once, and released before any
// terminal event for it is emitted.
type liveConn struct {
	conn     net.Conn
	client   brokerClient
	teardown sync.Once
}

// worker owns the transport, the TLS handshake and the MQTT codec session
// for one Session. It is the only component that performs blocking network
// I/O, and it runs on its own goroutine; the facade talks to it exclusively
// through the request and event channels.
type worker struct {
	requests chan workerRequest
	events   *eventQueue

	dial      dialFunc
	newClient clientFactory
	log       log.Logger

	// active is touched only on the worker goroutine.
	active    *liveConn
	opTimeout time.Duration
}

func newWorker(dial dialFunc, factory clientFactory, logger log.Logger) *worker {
	if dial == nil {
		dial = dialBroker
	}
	if factory == nil {
		factory = newPahoClient
	}
	return &worker{
		requests:  make(chan workerRequest, 16),
		events:    newEventQueue(),
		dial:      dial,
		newClient: factory,
		log:       logger,
		opTimeout: defaultTimeoutSeconds * time.Second,
	}
}

// run drains the request channel until it is closed, then tears down any
// live connection and closes the event channel. Run it on a dedicated
// goroutine.
func (w *worker) run() {
	for req := range w.requests {
		switch r := req.(type) {
		case connectRequest:
			w.doConnect(r.cfg)
		case disconnectRequest:
			w.doDisconnect()
		case subscribeRequest:
			w.doSubscribe(r.topic, r.qos)
		case unsubscribeRequest:
			w.doUnsubscribe(r.topic)
		case publishRequest:
			w.doPublish(r)
		}
	}

	if lc := w.active; lc != nil {
		w.active = nil
		lc.teardown.Do(func() {
			_ = lc.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
			_ = lc.conn.Close()
		})
	}
	w.events.close()
}

// emit delivers an event to the facade. It never blocks: the queue is
// unbounded, and pushes after shutdown are dropped.
func (w *worker) emit(ev workerEvent) {
	w.events.push(ev)
}

func (w *worker) doConnect(cfg Config) {
	w.opTimeout = cfg.Timeout()

	conn, err := w.dial(&cfg)
	if err != nil {
		w.emit(connectFailedEvent{reason: fmt.Errorf("dial %s: %w", cfg.Addr(), err)})
		return
	}

	lc := &liveConn{conn: conn}
	cb := clientCallbacks{
		onMessage: func(m Message) { w.emit(inboundMessageEvent{msg: m}) },
		onError: func(err error) {
			w.lost(lc, err)
		},
		onServerDisconnect: func(reason string) {
			w.lost(lc, fmt.Errorf("server disconnect: %s", reason))
		},
	}
	lc.client = w.newClient(conn, &cfg, cb)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
	ca, err := lc.client.Connect(ctx, connectPacket(&cfg))
	cancel()
	if err != nil {
		lc.teardown.Do(func() { _ = conn.Close() })
		w.emit(connectFailedEvent{reason: fmt.Errorf("mqtt connect: %w", err)})
		return
	}
	if ca != nil && ca.ReasonCode != 0 {
		lc.teardown.Do(func() { _ = conn.Close() })
		w.emit(connectFailedEvent{reason: fmt.Errorf("broker refused connection: reason code 0x%02x", ca.ReasonCode)})
		return
	}

	w.active = lc
	w.emit(connectedEvent{})
}

// lost handles an unsolicited drop reported by the codec. Releasing the
// transport happens inside the once, before the event is emitted, so the
// handle cannot leak even if emission is skipped at shutdown.
func (w *worker) lost(lc *liveConn, err error) {
	lc.teardown.Do(func() {
		_ = lc.conn.Close()
		w.emit(connectionLostEvent{reason: err})
	})
}

func (w *worker) doDisconnect() {
	lc := w.active
	w.active = nil
	if lc == nil {
		w.emit(disconnectedEvent{})
		return
	}
	lc.teardown.Do(func() {
		if err := lc.client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
			w.log.Debug("disconnect packet not sent", "error", err)
		}
		_ = lc.conn.Close()
		w.emit(disconnectedEvent{})
	})
}

func (w *worker) doSubscribe(topic string, qos QoS) {
	lc := w.active
	if lc == nil {
		w.emit(subAckEvent{topic: topic, err: errors.New("no live connection")})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.opTimeout)
	defer cancel()
	sa, err := lc.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: byte(qos)}},
	})
	if err == nil && sa != nil && len(sa.Reasons) > 0 && sa.Reasons[0] >= 0x80 {
		err = fmt.Errorf("broker rejected subscription: reason code 0x%02x", sa.Reasons[0])
	}
	w.emit(subAckEvent{topic: topic, err: err})
}

func (w *worker) doUnsubscribe(topic string) {
	lc := w.active
	if lc == nil {
		w.emit(unsubAckEvent{topic: topic, err: errors.New("no live connection")})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.opTimeout)
	defer cancel()
	ua, err := lc.client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})
	if err == nil && ua != nil && len(ua.Reasons) > 0 && ua.Reasons[0] >= 0x80 {
		err = fmt.Errorf("broker rejected unsubscribe: reason code 0x%02x", ua.Reasons[0])
	}
	w.emit(unsubAckEvent{topic: topic, err: err})
}

func (w *worker) doPublish(r publishRequest) {
	lc := w.active
	if lc == nil {
		w.emit(pubAckEvent{topic: r.topic, err: errors.New("no live connection")})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.opTimeout)
	defer cancel()
	_, err := lc.client.Publish(ctx, &paho.Publish{
		Topic:   r.topic,
		QoS:     byte(r.qos),
		Retain:  r.retain,
		Payload: r.payload,
	})
	w.emit(pubAckEvent{topic: r.topic, err: err})
}

// dialBroker opens the TCP connection, with TLS when the config asks for it.
func dialBroker(cfg *Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: cfg.Timeout()}
	if !cfg.TLS && cfg.Protocol != "mqtts" {
		return dialer.Dial("tcp", cfg.Addr())
	}
	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config: &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}
	return tlsDialer.Dial("tcp", cfg.Addr())
}

// newPahoClient builds the production codec client on top of an open conn.
func newPahoClient(conn net.Conn, cfg *Config, cb clientCallbacks) brokerClient {
	return paho.NewClient(paho.ClientConfig{
		ClientID: cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				cb.onMessage(Message{
					Direction: Inbound,
					Topic:     pr.Packet.Topic,
					QoS:       QoS(pr.Packet.QoS),
					Payload:   pr.Packet.Payload,
					Timestamp: time.Now(),
				})
				return true, nil
			},
		},
		OnClientError: cb.onError,
		OnServerDisconnect: func(d *paho.Disconnect) {
			reason := fmt.Sprintf("reason code 0x%02x", d.ReasonCode)
			if d.Properties != nil && d.Properties.ReasonString != "" {
				reason = d.Properties.ReasonString
			}
			cb.onServerDisconnect(reason)
		},
	})
}

func connectPacket(cfg *Config) *paho.Connect {
	cp := &paho.Connect{
		ClientID:   cfg.ClientID,
		CleanStart: cfg.CleanSession,
		KeepAlive:  uint16(cfg.KeepAliveSeconds),
	}
	if cfg.Username != "" {
		cp.Username = cfg.Username
		cp.UsernameFlag = true
	}
	if cfg.Password != "" {
		cp.Password = []byte(cfg.Password)
		cp.PasswordFlag = true
	}
	if cfg.LastWillTopic != "" {
		cp.WillMessage = &paho.WillMessage{
			Topic:   cfg.LastWillTopic,
			QoS:     byte(cfg.LastWillQoS),
			Retain:  cfg.LastWillRetain,
			Payload: cfg.LastWillPayload,
		}
	}
	return cp
}
