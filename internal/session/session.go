// Package session implements the client-side MQTT session engine: the
// connection state machine, the isolated network worker, the subscription
// registry and the batched inbound message stream.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/mqdeck-io/mqdeck/internal/pkg/metrics"
	fsmutil "github.com/mqdeck-io/mqdeck/internal/pkg/util/fsm"
	"github.com/mqdeck-io/mqdeck/pkg/log"
)

// NotificationKind names the three change signals exposed to consumers.
type NotificationKind int

const (
	// StateChanged reports a connection state transition. The new state
	// rides along in the notification.
	StateChanged NotificationKind = iota
	// SubscriptionsChanged reports any mutation of the subscription set.
	SubscriptionsChanged
	// MessagesAppended reports a mutation of the message stream (append
	// or clear). Consumers pull the current snapshot on receipt.
	MessagesAppended
)

// Notification is a change signal. It carries no payload beyond the state
// value; consumers pull snapshots via State, Subscriptions and Messages.
type Notification struct {
	Kind  NotificationKind
	State State
	// Reason is a diagnostic for failed or lost connections, empty
	// otherwise.
	Reason string
}

// Listener receives notifications in emission order. Callbacks run on the
// session's dispatch goroutine (or the requesting goroutine for
// request-originated changes); they may pull snapshots but must return
// quickly and must not issue session requests from inside the callback.
type Listener func(Notification)

const defaultFlushInterval = 100 * time.Millisecond

// Options tune a single Session.
type Options struct {
	// FlushInterval bounds the rate of MessagesAppended notifications for
	// inbound traffic. Message data itself is never delayed out of order
	// or dropped.
	FlushInterval time.Duration
	Logger        log.Logger

	// test seams
	dial          dialFunc
	clientFactory clientFactory
}

// Session is the consumer-facing facade of one broker connection. It owns
// the consumer-visible state (connection state, subscription registry,
// message stream) and is its single serialization point: every mutation
// happens under the session lock, whether it originates from a consumer
// request or from a worker event applied by the dispatch goroutine.
type Session struct {
	cfg Config
	log log.Logger

	mu           sync.Mutex
	machine      *stateMachine
	subs         *subscriptionRegistry
	stream       *messageStream
	pendingUnsub map[string]Subscription
	pendingNotes []Notification
	lastError    string
	closed       bool

	// inbound coalescing
	buffer     []Message
	flushArmed bool
	flushTimer *time.Timer
	flushEvery time.Duration

	// notifyMu orders worker-request sends and listener callbacks with
	// the mutations that produced them. Lock order is always mu before
	// notifyMu.
	notifyMu  sync.Mutex
	listeners []Listener
	reqClosed bool

	worker *worker
	wg     sync.WaitGroup
}

// New constructs a Session bound to cfg and starts its worker and dispatch
// goroutines. The session starts Disconnected; nothing touches the network
// until RequestConnect.
func New(cfg Config, opts Options) *Session {
	cfg.SetDefaults()
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	logger := opts.Logger.WithValues("connection", cfg.ID)

	s := &Session{
		cfg:          cfg,
		log:          logger,
		subs:         newSubscriptionRegistry(),
		stream:       newMessageStream(),
		pendingUnsub: make(map[string]Subscription),
		flushEvery:   opts.FlushInterval,
		worker:       newWorker(opts.dial, opts.clientFactory, logger.WithName("worker")),
	}
	s.machine = newStateMachine(s.transitioned)
	s.flushTimer = time.NewTimer(time.Hour)
	if !s.flushTimer.Stop() {
		<-s.flushTimer.C
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.worker.run()
	}()
	go s.dispatch()
	return s
}

// Config returns the immutable configuration the session is bound to.
func (s *Session) Config() Config {
	return s.cfg
}

// AddListener registers a notification listener. Register before issuing
// requests to observe every change.
func (s *Session) AddListener(l Listener) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// LastError returns the diagnostic from the most recent connect failure or
// connection loss.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Subscriptions returns the active subscriptions in insertion order.
func (s *Session) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs.list()
}

// Messages returns a snapshot of the message stream.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.snapshot()
}

// ClearMessages empties the message stream. This is the only way entries
// ever leave it.
func (s *Session) ClearMessages() {
	s.mu.Lock()
	s.buffer = nil
	s.stream.clear()
	s.queue(Notification{Kind: MessagesAppended})
	s.commit(nil)
}

// RequestConnect asks the worker to establish the connection. It is
// rejected unless the session is fully Disconnected; a session that is
// already Connecting, Connected or Disconnecting returns
// ErrAlreadyConnected.
func (s *Session) RequestConnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.machine.Current() != Disconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.lastError = ""
	if err := s.machine.Fire(eventConnectRequested); err != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.commit([]workerRequest{connectRequest{cfg: s.cfg}})
	return nil
}

// RequestDisconnect asks the worker to close the connection cleanly. It
// requires the Connected state; in particular a connect in flight cannot be
// cancelled.
func (s *Session) RequestDisconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if err := s.machine.Fire(eventDisconnectRequested); err != nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.commit([]workerRequest{disconnectRequest{}})
	return nil
}

// RequestSubscribe registers a subscription and asks the worker to send the
// SUBSCRIBE packet. The registry entry is added optimistically; if the
// broker refuses, the entry is rolled back and SubscriptionsChanged fires
// again. A duplicate filter is rejected without touching the worker.
func (s *Session) RequestSubscribe(topic string, qos QoS, color string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if err := validateTopic(topic); err != nil {
		s.mu.Unlock()
		return err
	}
	if !qos.Valid() {
		s.mu.Unlock()
		return fmt.Errorf("invalid qos %d", qos)
	}
	if s.machine.Current() != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.subs.contains(topic) {
		s.mu.Unlock()
		return ErrAlreadySubscribed
	}
	s.subs.add(Subscription{Topic: topic, QoS: qos, Color: color})
	s.queue(Notification{Kind: SubscriptionsChanged})
	s.commit([]workerRequest{subscribeRequest{topic: topic, qos: qos}})
	return nil
}

// RequestUnsubscribe removes a subscription and asks the worker to send the
// UNSUBSCRIBE packet. Mirroring subscribe, the removal is optimistic and
// rolled back if the broker refuses.
func (s *Session) RequestUnsubscribe(topic string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.machine.Current() != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	sub, ok := s.subs.remove(topic)
	if !ok {
		s.mu.Unlock()
		return ErrNotSubscribed
	}
	s.pendingUnsub[topic] = sub
	s.queue(Notification{Kind: SubscriptionsChanged})
	s.commit([]workerRequest{unsubscribeRequest{topic: topic}})
	return nil
}

// RequestPublish appends the message to the stream and hands it to the
// worker. The stream records intent: the append happens before the broker
// acknowledges, exactly like the optimistic subscription add.
func (s *Session) RequestPublish(topic string, payload []byte, qos QoS, retain bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if err := validateTopic(topic); err != nil {
		s.mu.Unlock()
		return err
	}
	if !qos.Valid() {
		s.mu.Unlock()
		return fmt.Errorf("invalid qos %d", qos)
	}
	if s.machine.Current() != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.stream.append(Message{
		Direction: Outbound,
		Topic:     topic,
		QoS:       qos,
		Payload:   payload,
		Retain:    retain,
		Timestamp: time.Now(),
	})
	metrics.MessagesTotal.WithLabelValues(Outbound.String()).Inc()
	s.queue(Notification{Kind: MessagesAppended})
	s.commit([]workerRequest{publishRequest{topic: topic, payload: payload, qos: qos, retain: retain}})
	return nil
}

// Close forces the session to Disconnected, stops the worker and waits for
// both goroutines to quiesce. No notification is delivered after Close
// returns. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true

	var reqs []workerRequest
	if cur := s.machine.Current(); cur == Connected || cur == Connecting {
		reqs = append(reqs, disconnectRequest{})
	}
	s.flushBufferLocked()
	s.machine.forceDisconnected()

	s.notifyMu.Lock()
	notes := s.takePending()
	s.mu.Unlock()
	if !s.reqClosed {
		for _, r := range reqs {
			s.worker.requests <- r
		}
		s.reqClosed = true
		close(s.worker.requests)
	}
	s.emitLocked(notes)
	s.notifyMu.Unlock()

	s.wg.Wait()
}

// transitioned runs inside machine.Fire, under the session lock. It queues
// the state-changed notification so it is emitted in order with any stream
// or registry changes from the same underlying event.
func (s *Session) transitioned(_, to State) {
	s.queue(Notification{Kind: StateChanged, State: to, Reason: s.lastError})
}

// dispatch is the facade's event loop: it applies worker events and flush
// ticks, one at a time, under the session lock.
func (s *Session) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.worker.events.wake:
			for {
				ev, ok, closed := s.worker.events.pop()
				if closed {
					return
				}
				if !ok {
					break
				}
				s.handleEvent(ev)
			}
		case <-s.flushTimer.C:
			s.handleFlushTick()
		}
	}
}

func (s *Session) handleEvent(ev workerEvent) {
	s.mu.Lock()

	// Inbound messages coalesce; every other event first flushes the
	// buffer so consumers never observe a state change ahead of the
	// messages that preceded it on the wire.
	if m, ok := ev.(inboundMessageEvent); ok {
		s.applyInbound(m.msg)
		s.commit(nil)
		return
	}
	s.flushBufferLocked()

	switch e := ev.(type) {
	case connectedEvent:
		metrics.ConnectAttemptsTotal.WithLabelValues("connected").Inc()
		s.fire(eventWorkerConnected)
	case connectFailedEvent:
		metrics.ConnectAttemptsTotal.WithLabelValues("failed").Inc()
		s.lastError = e.reason.Error()
		s.log.Warn("connect failed", "reason", s.lastError)
		s.fire(eventWorkerConnectFailed)
	case connectionLostEvent:
		metrics.ConnectAttemptsTotal.WithLabelValues("lost").Inc()
		s.lastError = e.reason.Error()
		s.log.Warn("connection lost", "reason", s.lastError)
		// A loss racing a requested disconnect completes the disconnect.
		if s.machine.Current() == Disconnecting {
			s.fire(eventWorkerDisconnected)
		} else {
			s.fire(eventWorkerLost)
		}
	case disconnectedEvent:
		s.fire(eventWorkerDisconnected)
	case subAckEvent:
		if e.err != nil {
			s.log.Warn("subscribe rejected, rolling back", "topic", e.topic, "reason", e.err.Error())
			if _, ok := s.subs.remove(e.topic); ok {
				s.queue(Notification{Kind: SubscriptionsChanged})
			}
		}
	case unsubAckEvent:
		sub, pending := s.pendingUnsub[e.topic]
		delete(s.pendingUnsub, e.topic)
		if e.err != nil && pending {
			s.log.Warn("unsubscribe rejected, restoring", "topic", e.topic, "reason", e.err.Error())
			if s.subs.add(sub) {
				s.queue(Notification{Kind: SubscriptionsChanged})
			}
		}
	case pubAckEvent:
		if e.err != nil {
			s.log.Warn("publish not acknowledged", "topic", e.topic, "reason", e.err.Error())
		}
	}
	s.commit(nil)
}

// applyInbound is the leading edge of the inbound throttle: with no flush
// pending the message goes straight to the stream and arms the timer; while
// a flush is pending messages accumulate for the tick.
func (s *Session) applyInbound(msg Message) {
	metrics.MessagesTotal.WithLabelValues(Inbound.String()).Inc()
	if !s.flushArmed {
		s.stream.append(msg)
		metrics.StreamFlushesTotal.Inc()
		s.queue(Notification{Kind: MessagesAppended})
		s.flushArmed = true
		s.flushTimer.Reset(s.flushEvery)
		return
	}
	s.buffer = append(s.buffer, msg)
}

func (s *Session) handleFlushTick() {
	s.mu.Lock()
	if len(s.buffer) > 0 {
		s.flushBufferLocked()
		s.flushTimer.Reset(s.flushEvery)
	} else {
		s.flushArmed = false
	}
	s.commit(nil)
}

// flushBufferLocked drains the inbound buffer into the stream, emitting one
// notification when it was non-empty.
func (s *Session) flushBufferLocked() {
	if len(s.buffer) == 0 {
		return
	}
	s.stream.appendBatch(s.buffer)
	s.buffer = nil
	metrics.StreamFlushesTotal.Inc()
	s.queue(Notification{Kind: MessagesAppended})
}

// fire applies a worker-originated lifecycle event, tolerating strays that
// arrive after a forced shutdown.
func (s *Session) fire(event string) {
	if err := s.machine.Fire(event); err != nil {
		if fsmutil.IsInvalidTransition(err) {
			s.log.Debug("ignoring stray lifecycle event", "event", event, "state", s.machine.Current().String())
			return
		}
		s.log.Error(err, "lifecycle event failed", "event", event)
	}
}

func (s *Session) queue(n Notification) {
	s.pendingNotes = append(s.pendingNotes, n)
}

func (s *Session) takePending() []Notification {
	notes := s.pendingNotes
	s.pendingNotes = nil
	return notes
}

// commit is called with the session lock held. It hands queued worker
// requests and notifications over in mutation order: notifyMu is acquired
// before the session lock is released, so two commits cannot reorder.
func (s *Session) commit(reqs []workerRequest) {
	s.notifyMu.Lock()
	notes := s.takePending()
	s.mu.Unlock()
	if !s.reqClosed {
		for _, r := range reqs {
			s.worker.requests <- r
		}
	}
	s.emitLocked(notes)
	s.notifyMu.Unlock()
}

func (s *Session) emitLocked(notes []Notification) {
	for _, n := range notes {
		for _, l := range s.listeners {
			l(n)
		}
	}
}
