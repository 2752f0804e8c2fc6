// Package client wires the device identity, session, streaming transport,
// subscription registry and pending request table into one handle.
//
// Typical use:
//
//	c, err := client.New(cfg, keys, logger)
//	if err != nil { ... }
//	defer c.Close()
//
//	if _, err := c.Login(ctx); err != nil { ... }
//	if _, err := c.Connect(ctx); err != nil { ... }
//
//	h, err := c.SubscribePrices("AAPL", "XNAS", func(t model.PriceTick) { ... })
//	...
//	c.Unsubscribe(h)
//
// A device that has never been paired goes through InitiatePairing and
// CompletePairing first.
package client
