package subscription

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/brokerlink/internal/model"
	"github.com/rickgao/brokerlink/internal/wire"
)

// State is the lifecycle state of a subscription.
type State int

const (
	// StatePending: subscribe not yet acknowledged on any connection.
	StatePending State = iota
	// StateActive: acknowledged on the current connection.
	StateActive
	// StateReplaying: was active on an earlier connection, re-subscribe in flight.
	StateReplaying
	// StateClosed: unsubscribed, rejected or shut down. Terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateReplaying:
		return "replaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one data frame delivered to a callback.
type Event struct {
	Topic      wire.Topic
	Epoch      uint64
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// PriceTick decodes a priceFeed payload.
func (e Event) PriceTick() (model.PriceTick, error) {
	return model.Decode[model.PriceTick](e.Payload)
}

// PortfolioDelta decodes a portfolio payload.
func (e Event) PortfolioDelta() (model.PortfolioDelta, error) {
	return model.Decode[model.PortfolioDelta](e.Payload)
}

// OrderUpdate decodes an orders payload.
func (e Event) OrderUpdate() (model.OrderUpdate, error) {
	return model.Decode[model.OrderUpdate](e.Payload)
}

// Callback receives events for a subscription. Callbacks for one
// subscription run sequentially on its delivery goroutine.
type Callback func(Event)

// Subscription is the shared server-side subscription for one topic.
type Subscription struct {
	topic  wire.Topic
	order  uint64
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	sid       int64
	sidEpoch  uint64
	sentEpoch uint64 // epoch of the latest subscribe frame
	attempts  int    // subscribe frames sent on sentEpoch
	listeners map[uint64]Callback
	err       error
	ready     chan struct{}
	readyDone bool

	queue *queue[Event]
	done  chan struct{}
}

func newSubscription(topic wire.Topic, order uint64, depth int, logger *slog.Logger) *Subscription {
	return &Subscription{
		topic:     topic,
		order:     order,
		logger:    logger.With("topic", topic.String()),
		listeners: make(map[uint64]Callback),
		ready:     make(chan struct{}),
		queue:     newQueue[Event](depth),
		done:      make(chan struct{}),
	}
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() wire.Topic { return s.topic }

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SID returns the server id and the epoch it belongs to, or zeros while
// not active.
func (s *Subscription) SID() (sid int64, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid, s.sidEpoch
}

// Refs returns the number of live handles.
func (s *Subscription) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Stats returns delivery queue counters.
func (s *Subscription) Stats() QueueStats {
	return s.queue.stats()
}

// Err returns why the subscription closed, if it closed abnormally, or the
// last subscribe failure while it is still retrying.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) markReady() {
	if !s.readyDone {
		s.readyDone = true
		close(s.ready)
	}
}

// run delivers queued events until the queue closes.
func (s *Subscription) run() {
	defer close(s.done)

	for {
		ev, ok := s.queue.pop()
		if !ok {
			return
		}

		s.mu.Lock()
		ids := make([]uint64, 0, len(s.listeners))
		for id := range s.listeners {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		slices.Sort(ids)

		for _, id := range ids {
			// A handle released since the snapshot must not see this event.
			s.mu.Lock()
			cb, ok := s.listeners[id]
			s.mu.Unlock()
			if ok {
				s.invoke(cb, ev)
			}
		}
	}
}

func (s *Subscription) invoke(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscription callback panicked", "panic", r)
		}
	}()
	cb(ev)
}
