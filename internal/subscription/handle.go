package subscription

import (
	"sync/atomic"

	"github.com/rickgao/brokerlink/internal/wire"
)

// Handle is one caller's reference to a shared Subscription.
type Handle struct {
	id       uint64
	sub      *Subscription
	reg      *Registry
	released atomic.Bool
}

// Topic returns the subscribed topic.
func (h *Handle) Topic() wire.Topic { return h.sub.topic }

// Subscription returns the shared subscription behind the handle.
func (h *Handle) Subscription() *Subscription { return h.sub }

// Ready is closed once the subscription is first acknowledged, or once it
// closes without ever being acknowledged.
func (h *Handle) Ready() <-chan struct{} { return h.sub.ready }

// Err reports why the subscription failed, if it did.
func (h *Handle) Err() error { return h.sub.Err() }

// Unsubscribe releases the handle. See Registry.Unsubscribe.
func (h *Handle) Unsubscribe() {
	h.reg.Unsubscribe(h)
}
