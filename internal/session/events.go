package session

import "sync"

// Requests accepted by the network worker. Each value crosses from the
// facade to the worker goroutine over the request channel; the worker never
// shares mutable state with the facade directly.
type workerRequest interface{ isWorkerRequest() }

type connectRequest struct{ cfg Config }
type disconnectRequest struct{}
type subscribeRequest struct {
	topic string
	qos   QoS
}
type unsubscribeRequest struct{ topic string }
type publishRequest struct {
	topic   string
	payload []byte
	qos     QoS
	retain  bool
}

func (connectRequest) isWorkerRequest()     {}
func (disconnectRequest) isWorkerRequest()  {}
func (subscribeRequest) isWorkerRequest()   {}
func (unsubscribeRequest) isWorkerRequest() {}
func (publishRequest) isWorkerRequest()     {}

// Events emitted by the worker back to the facade, in FIFO order. Every
// broker-side occurrence maps to exactly one event.
type workerEvent interface{ isWorkerEvent() }

type connectedEvent struct{}

type connectFailedEvent struct{ reason error }

// connectionLostEvent reports an unsolicited drop while connected. The
// transport is already released by the time the facade sees it.
type connectionLostEvent struct{ reason error }

type disconnectedEvent struct{}

type inboundMessageEvent struct{ msg Message }

type subAckEvent struct {
	topic string
	err   error
}

type unsubAckEvent struct {
	topic string
	err   error
}

type pubAckEvent struct {
	topic string
	err   error
}

func (connectedEvent) isWorkerEvent()      {}
func (connectFailedEvent) isWorkerEvent()  {}
func (connectionLostEvent) isWorkerEvent() {}
func (disconnectedEvent) isWorkerEvent()   {}
func (inboundMessageEvent) isWorkerEvent() {}
func (subAckEvent) isWorkerEvent()         {}
func (unsubAckEvent) isWorkerEvent()       {}
func (pubAckEvent) isWorkerEvent()         {}

// eventQueue is the unbounded FIFO carrying worker events to the facade.
// Unbounded on purpose: the worker (and the codec goroutines calling into
// it) must never back up behind a slow consumer callback, or inbound bursts
// could stall the network read loop.
type eventQueue struct {
	mu    sync.Mutex
	items []workerEvent
	done  bool
	wake  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

// push appends an event. Events pushed after close are dropped.
func (q *eventQueue) push(ev workerEvent) {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

// close marks the queue terminal. Already-queued events are still drained.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.done = true
	q.mu.Unlock()
	q.signal()
}

// pop returns the next event. When the queue is empty, closed tells the
// caller whether it was the final drain.
func (q *eventQueue) pop() (ev workerEvent, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false, q.done
	}
	ev = q.items[0]
	q.items = q.items[1:]
	return ev, true, false
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
