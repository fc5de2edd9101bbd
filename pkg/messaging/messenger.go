// Package messaging implements the control plane between the manager and its
// workers on top of interchangeable transports.
package messaging

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/informalsystems/tm-bench/internal/logging"
)

const inboundBufSize = 1024

// Handlers maps message kinds to the function handling them.
type Handlers map[Kind]func(Message)

// Messenger delivers messages between the manager and its workers.
//
// Configure must be called before Initialize. Handlers are invoked one at a
// time, in the order messages arrived, so a handler that blocks holds up
// every message behind it.
type Messenger interface {
	// ID is the identity the messenger receives messages for.
	ID() string
	Configure(handlers Handlers)
	Initialize(ctx context.Context) error
	// Send is fire-and-forget: it returns once the message is handed to the
	// transport.
	Send(to []string, p Payload) error
	Dispose() error
}

// endpoint is the transport-independent half of a messenger: it filters
// inbound envelopes by recipient and dispatches them in arrival order.
type endpoint struct {
	id     string
	logger logging.Logger

	mtx      sync.RWMutex
	handlers Handlers

	inbound  chan Message
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	started  bool
}

func newEndpoint(id string, logger logging.Logger) *endpoint {
	return &endpoint{
		id:      id,
		logger:  logger,
		inbound: make(chan Message, inboundBufSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (e *endpoint) ID() string {
	return e.id
}

func (e *endpoint) Configure(handlers Handlers) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.handlers = handlers
}

func (e *endpoint) start() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.started {
		return
	}
	e.started = true
	go e.dispatchLoop()
}

func (e *endpoint) dispatchLoop() {
	defer close(e.stopped)
	for {
		select {
		case msg := <-e.inbound:
			e.dispatch(msg)
		case <-e.stop:
			return
		}
	}
}

func (e *endpoint) dispatch(msg Message) {
	e.mtx.RLock()
	h, ok := e.handlers[msg.Kind()]
	e.mtx.RUnlock()
	if !ok {
		e.logger.Debug("No handler for message - ignoring", "type", msg.Kind(), "from", msg.From)
		return
	}
	h(msg)
}

// deliver accepts raw envelope bytes from the transport. It returns the
// decoded envelope (nil if it could not be parsed) so transports can learn
// routes from it.
func (e *endpoint) deliver(raw []byte) *Envelope {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		e.logger.Error("Failed to parse incoming envelope", "err", err)
		return nil
	}
	if !env.Addressed(e.id) {
		return &env
	}
	msg, err := Decode(&env)
	if err != nil {
		e.logger.Error("Failed to decode incoming message", "err", err)
		return &env
	}
	e.enqueue(msg)
	return &env
}

// deliverLocal injects a message as if it came from the transport, e.g. an
// exit when the connection to the manager is lost.
func (e *endpoint) deliverLocal(p Payload) {
	e.deliverFrom(e.id, p)
}

// deliverFrom injects a message on behalf of from.
func (e *endpoint) deliverFrom(from string, p Payload) {
	e.enqueue(Message{To: []string{e.id}, From: from, Timestamp: 0, Payload: p})
}

func (e *endpoint) enqueue(msg Message) {
	select {
	case e.inbound <- msg:
	case <-e.stop:
	}
}

func (e *endpoint) envelope(to []string, p Payload) ([]byte, error) {
	env, err := NewEnvelope(e.id, to, p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// shutdown stops dispatching. It does not wait for a handler that is
// currently running.
func (e *endpoint) shutdown() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
}
