// Package subscription tracks the client's streaming subscriptions.
//
// Subscriptions are keyed by topic and shared: concurrent Subscribe calls
// for the same topic produce one subscribe frame and one server-side
// subscription, with each caller holding its own Handle. The last
// Unsubscribe sends the unsubscribe frame.
//
// Data frames are routed by the server-assigned sid, which is only valid
// for the connection epoch it was issued on. When a new connection comes
// up every live subscription is re-sent in its original subscribe order.
//
// Each subscription delivers events on its own goroutine through a bounded
// queue. Events that arrive while the queue is full are dropped.
package subscription
