package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/brokerlink/internal/api"
	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/connection"
	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/keystore"
	"github.com/rickgao/brokerlink/internal/metrics"
	"github.com/rickgao/brokerlink/internal/model"
	"github.com/rickgao/brokerlink/internal/pairing"
	"github.com/rickgao/brokerlink/internal/pending"
	"github.com/rickgao/brokerlink/internal/session"
	"github.com/rickgao/brokerlink/internal/subscription"
	"github.com/rickgao/brokerlink/internal/wire"
)

// Option configures a Client.
type Option func(*Client)

// WithMetrics attaches Prometheus collectors to every component.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithAPIOptions passes extra options to the REST client.
func WithAPIOptions(opts ...api.ClientOption) Option {
	return func(c *Client) {
		c.apiOpts = append(c.apiOpts, opts...)
	}
}

// Client is the entry point to the broker.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	apiOpts []api.ClientOption

	keys      *keystore.Store
	api       *api.Client
	pairing   *pairing.Flow
	auth      *session.Authenticator
	refresher *session.Refresher
	transport *connection.Transport
	pending   *pending.Table
	subs      *subscription.Registry

	errors chan error
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	refresherStarted bool
	closed           bool
}

// New wires a Client around keys. The caller keeps ownership of keys and
// closes it after the Client.
func New(cfg Config, keys *keystore.Store, logger *slog.Logger, opts ...Option) (*Client, error) {
	const op = "client.new"

	if keys == nil {
		return nil, errs.New(op, errs.ErrInvalidArgument, "key store is required")
	}
	if cfg.APIURL == "" {
		return nil, errs.New(op, errs.ErrInvalidArgument, "API URL is required")
	}
	if cfg.StreamURL == "" && cfg.Transport.URL == "" {
		return nil, errs.New(op, errs.ErrInvalidArgument, "stream URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		logger: logger,
		keys:   keys,
		errors: make(chan error, 8),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	apiOpts := append([]api.ClientOption{
		api.WithTimeout(cfg.HTTPTimeout),
		api.WithRetries(cfg.HTTPRetries, time.Second),
		api.WithLogger(logger.With("component", "api")),
	}, c.apiOpts...)
	c.api = api.NewClient(cfg.APIURL, apiOpts...)

	c.pairing = pairing.New(cfg.Pairing, c.api, keys, logger.With("component", "pairing"))

	c.auth = session.New(cfg.Session, c.api, keys, logger.With("component", "session"))
	c.auth.SetMetrics(c.metrics)
	keys.OnClear(c.auth.Invalidate)

	c.refresher = session.NewRefresher(cfg.Refresher, c.auth, refreshHandler{c}, logger.With("component", "refresher"))

	c.transport = connection.New(cfg.Transport, tokenSource{c}, streamHandler{c}, logger.With("component", "transport"))
	c.transport.SetMetrics(c.metrics)

	c.pending = pending.New(c.transport, logger.With("component", "pending"))
	c.pending.SetMetrics(c.metrics)

	c.subs = subscription.NewRegistry(cfg.Subscriptions, c.pending, logger.With("component", "subscriptions"))
	c.subs.SetMetrics(c.metrics)

	c.wg.Add(1)
	go c.forwardErrors()

	return c, nil
}

// -----------------------------------------------------------------------------
// Pairing
// -----------------------------------------------------------------------------

// InitiatePairing starts pairing this device with the configured credentials.
// The returned challenge's verification code arrives out of band.
func (c *Client) InitiatePairing(ctx context.Context) (pairing.Challenge, error) {
	creds, err := c.credentials(ctx, "client.pair")
	if err != nil {
		return pairing.Challenge{}, err
	}
	return c.pairing.Initiate(ctx, creds)
}

// CompletePairing submits the verification code for challengeID.
func (c *Client) CompletePairing(ctx context.Context, challengeID, code string) (*keystore.DeviceKeyPair, error) {
	return c.pairing.Complete(ctx, challengeID, code)
}

// PairingState returns where the pairing flow stands.
func (c *Client) PairingState() pairing.State {
	return c.pairing.State()
}

// Paired reports whether a device identity is persisted.
func (c *Client) Paired(ctx context.Context) (bool, error) {
	_, err := c.keys.Load(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Unpair forgets the device identity. The current session is dropped with it.
func (c *Client) Unpair(ctx context.Context) error {
	return c.keys.Clear(ctx)
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// Login exchanges the configured credentials for a session.
func (c *Client) Login(ctx context.Context) (*session.Session, error) {
	creds, err := c.credentials(ctx, "client.login")
	if err != nil {
		return nil, err
	}
	s, err := c.auth.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	if c.cfg.AutoRefresh {
		c.startRefresher()
	}
	return s, nil
}

// Session returns the live session, or nil.
func (c *Client) Session() *session.Session {
	return c.auth.Current()
}

// RefreshSession refreshes the session if it is close to expiry. A new
// token is swapped onto the live connection; if the server refuses the swap
// the connection is re-established and subscriptions are replayed.
func (c *Client) RefreshSession(ctx context.Context) (*session.Session, error) {
	cur := c.auth.Current()
	if cur == nil {
		return nil, errs.New("client.refresh", errs.ErrSessionExpired, "not logged in")
	}
	next, err := c.auth.RefreshIfNeeded(ctx, cur)
	if err != nil {
		return nil, err
	}
	if next != cur {
		if err := c.swapToken(ctx, next); err != nil {
			return next, err
		}
	}
	return next, nil
}

// Logout revokes the session. The stream stays up until Close, but it can
// no longer reconnect.
func (c *Client) Logout(ctx context.Context) error {
	c.stopRefresher(ctx)
	return c.auth.Logout(ctx, c.auth.Current())
}

// swapToken presents s on the live connection.
func (c *Client) swapToken(ctx context.Context, s *session.Session) error {
	epoch := c.transport.Epoch()
	if epoch == 0 {
		// The next dial picks up the new token.
		return nil
	}

	f, err := wire.NewFrame(wire.KindConnect, wire.ConnectPayload{Token: s.Token})
	if err != nil {
		return err
	}
	fut, err := c.pending.IssueAt(epoch, f, c.cfg.RequestTimeout)
	if err != nil {
		if errors.Is(err, errs.ErrNotConnected) {
			return nil
		}
		return err
	}

	_, err = fut.Wait(ctx)
	switch {
	case err == nil:
		c.logger.Info("token swapped in place", "epoch", epoch, "session", s)
		return nil
	case ctx.Err() != nil:
		return err
	case errors.Is(err, errs.ErrConnectionLost):
		return nil
	}

	if c.transport.Epoch() != epoch {
		return nil
	}
	c.logger.Warn("in-place token swap failed, reconnecting", "epoch", epoch, "error", err)
	c.transport.Reconnect()
	return nil
}

func (c *Client) startRefresher() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refresherStarted || c.closed {
		return
	}
	c.refresherStarted = true
	c.refresher.Start(c.ctx)
}

func (c *Client) stopRefresher(ctx context.Context) {
	c.mu.Lock()
	started := c.refresherStarted
	c.refresherStarted = false
	c.mu.Unlock()

	if started {
		if err := c.refresher.Stop(ctx); err != nil {
			c.logger.Warn("refresher did not stop in time", "error", err)
		}
	}
}

// -----------------------------------------------------------------------------
// Streaming
// -----------------------------------------------------------------------------

// Connect opens the streaming connection with the current session's token
// and returns its epoch. Login first.
func (c *Client) Connect(ctx context.Context) (uint64, error) {
	if c.auth.Current() == nil {
		return 0, errs.New("client.connect", errs.ErrSessionExpired, "not logged in")
	}
	return c.transport.Connect(ctx)
}

// Connected reports whether the stream is up.
func (c *Client) Connected() bool {
	return c.transport.IsConnected()
}

// Epoch returns the epoch of the live connection, or 0.
func (c *Client) Epoch() uint64 {
	return c.transport.Epoch()
}

// Subscribe registers cb on topic. Subscribing while offline is allowed;
// the subscribe frame goes out on the next connection.
func (c *Client) Subscribe(topic wire.Topic, cb subscription.Callback) (*subscription.Handle, error) {
	return c.subs.Subscribe(topic, cb)
}

// SubscribePrices subscribes to the price feed of symbol on venue.
func (c *Client) SubscribePrices(symbol, venue string, fn func(model.PriceTick)) (*subscription.Handle, error) {
	topic := wire.Topic{Kind: wire.TopicPriceFeed, Key: model.PriceFeedKey(symbol, venue)}
	return c.subs.Subscribe(topic, func(ev subscription.Event) {
		tick, err := ev.PriceTick()
		if err != nil {
			c.logger.Warn("dropping undecodable price tick", "topic", ev.Topic, "error", err)
			return
		}
		fn(tick)
	})
}

// SubscribePortfolio subscribes to position and cash changes of account.
func (c *Client) SubscribePortfolio(account string, fn func(model.PortfolioDelta)) (*subscription.Handle, error) {
	topic := wire.Topic{Kind: wire.TopicPortfolio, Key: account}
	return c.subs.Subscribe(topic, func(ev subscription.Event) {
		delta, err := ev.PortfolioDelta()
		if err != nil {
			c.logger.Warn("dropping undecodable portfolio delta", "topic", ev.Topic, "error", err)
			return
		}
		fn(delta)
	})
}

// SubscribeOrders subscribes to order state changes of account.
func (c *Client) SubscribeOrders(account string, fn func(model.OrderUpdate)) (*subscription.Handle, error) {
	topic := wire.Topic{Kind: wire.TopicOrders, Key: account}
	return c.subs.Subscribe(topic, func(ev subscription.Event) {
		upd, err := ev.OrderUpdate()
		if err != nil {
			c.logger.Warn("dropping undecodable order update", "topic", ev.Topic, "error", err)
			return
		}
		fn(upd)
	})
}

// Unsubscribe releases h. Releasing the same handle twice is a no-op.
func (c *Client) Unsubscribe(h *subscription.Handle) {
	c.subs.Unsubscribe(h)
}

// Subscriptions lists live subscriptions in subscribe order.
func (c *Client) Subscriptions() []*subscription.Subscription {
	return c.subs.Subscriptions()
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// Request sends a request frame for method and decodes the response into
// out, which may be nil.
func (c *Client) Request(ctx context.Context, method string, params, out any) error {
	const op = "client.request"

	if method == "" {
		return errs.New(op, errs.ErrInvalidArgument, "method is required")
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return errs.Wrap(op, errs.ErrInvalidArgument, err)
		}
		raw = data
	}

	f, err := wire.NewFrame(wire.KindRequest, wire.RequestPayload{Method: method, Params: raw})
	if err != nil {
		return errs.Wrap(op, errs.ErrInvalidArgument, err)
	}

	fut, err := c.pending.Issue(f, c.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	resp, err := fut.Wait(ctx)
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := wire.DecodePayload(resp, out); err != nil {
		return errs.Wrap(op, errs.ErrRequestRejected, err)
	}
	return nil
}

// LookupInstrument fetches one instrument.
func (c *Client) LookupInstrument(ctx context.Context, symbol, venue string) (model.Instrument, error) {
	var inst model.Instrument
	err := c.Request(ctx, model.MethodLookupInstrument, model.LookupParams{Symbol: symbol, Venue: venue}, &inst)
	return inst, err
}

// SearchInstruments finds instruments whose symbol or name matches query.
func (c *Client) SearchInstruments(ctx context.Context, query string, limit int) (model.SearchResult, error) {
	var res model.SearchResult
	err := c.Request(ctx, model.MethodSearchInstruments, model.SearchParams{Query: query, Limit: limit}, &res)
	return res, err
}

// ListInstruments fetches the instrument catalog of venue (all venues when
// empty) over REST. It does not need the stream.
func (c *Client) ListInstruments(ctx context.Context, venue string) ([]model.Instrument, error) {
	cur := c.auth.Current()
	if cur == nil {
		return nil, errs.New("client.instruments", errs.ErrSessionExpired, "not logged in")
	}
	s, err := c.auth.RefreshIfNeeded(ctx, cur)
	if err != nil {
		return nil, err
	}
	return c.api.ListAllInstruments(ctx, s.Token, api.ListInstrumentsOptions{Venue: venue})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Errors reports failures the client will not recover from on its own:
// a rejected token during reconnect, an exhausted retry budget, or a failed
// background refresh.
func (c *Client) Errors() <-chan error {
	return c.errors
}

// Close tears everything down. Pending requests fail with
// errs.ErrConnectionLost. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.stopRefresher(stopCtx)

	err := c.transport.Close()
	c.pending.FailAll(errs.New("client.close", errs.ErrConnectionLost, "client closed"))
	c.subs.Close()

	c.cancel()
	c.wg.Wait()

	c.logger.Info("client closed")
	return err
}

func (c *Client) credentials(ctx context.Context, op string) (creds auth.Credentials, err error) {
	if c.cfg.Credentials == nil {
		return creds, errs.New(op, errs.ErrInvalidCredentials, "no credentials source configured")
	}
	creds, err = c.cfg.Credentials.Credentials(ctx)
	if err != nil {
		return creds, errs.Wrap(op, errs.ErrInvalidCredentials, err)
	}
	return creds, nil
}

func (c *Client) forwardErrors() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case err := <-c.transport.Errors():
			c.report(err)
		}
	}
}

func (c *Client) report(err error) {
	select {
	case c.errors <- err:
	default:
		c.logger.Warn("error channel full, dropping", "error", err)
	}
}
