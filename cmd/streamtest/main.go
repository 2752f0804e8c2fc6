// streamtest pairs this device (once), logs in and streams price ticks to the console.
// Usage: go run ./cmd/streamtest --config configs/streamtest.example.yaml --symbols AAPL@XNAS,MSFT@XNAS
//
// Secrets are read from the config file, typically through ${VAR} references:
//
//	BROKER_PASSWORD     - login password
//	KEYSTORE_PASSPHRASE - encrypts the device private key at rest
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/brokerlink/internal/client"
	"github.com/rickgao/brokerlink/internal/config"
	"github.com/rickgao/brokerlink/internal/database"
	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/keystore"
	"github.com/rickgao/brokerlink/internal/logging"
	"github.com/rickgao/brokerlink/internal/metrics"
	"github.com/rickgao/brokerlink/internal/model"
	"github.com/rickgao/brokerlink/internal/subscription"
	"github.com/rickgao/brokerlink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamtest.example.yaml", "path to config file")
	symbols := flag.String("symbols", "", "comma-separated SYMBOL@VENUE price feeds")
	portfolio := flag.String("portfolio", "", "account to stream portfolio deltas for")
	code := flag.String("code", "", "pairing verification code (prompted for when empty)")
	lookup := flag.Bool("lookup", false, "look up each symbol before subscribing")
	verbose := flag.Bool("verbose", false, "print every tick")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	keys, err := openKeyStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open key store", "error", err)
		os.Exit(1)
	}
	defer keys.Close()

	var opts []client.Option
	if cfg.Metrics.Enabled {
		m, stop, err := serveMetrics(cfg.Metrics, logger)
		if err != nil {
			logger.Error("failed to start metrics", "error", err)
			os.Exit(1)
		}
		defer stop()
		opts = append(opts, client.WithMetrics(m))
	}

	c, err := client.New(cfg.ClientConfig(), keys, logger, opts...)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	paired, err := c.Paired(ctx)
	if err != nil {
		logger.Error("failed to read device identity", "error", err)
		os.Exit(1)
	}
	if !paired {
		if err := pair(ctx, c, *code, logger); err != nil {
			logger.Error("pairing failed", "error", err)
			os.Exit(1)
		}
	}

	s, err := c.Login(ctx)
	if err != nil {
		logger.Error("login failed", "error", err)
		os.Exit(1)
	}
	logger.Info("logged in", "session", s)

	epoch, err := c.Connect(ctx)
	if err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	logger.Info("stream connected", "epoch", epoch)

	var handles []*subscription.Handle
	for _, feed := range splitList(*symbols) {
		sym, venue, err := model.ParsePriceFeedKey(feed)
		if err != nil {
			logger.Error("bad symbol", "feed", feed, "error", err)
			os.Exit(1)
		}
		if *lookup {
			inst, err := c.LookupInstrument(ctx, sym, venue)
			if err != nil {
				logger.Warn("lookup failed", "feed", feed, "error", err)
			} else {
				logger.Info("instrument", "symbol", inst.Symbol, "name", inst.Name, "tick_size", inst.TickSize)
			}
		}
		h, err := c.SubscribePrices(sym, venue, printTick(*verbose, logger))
		if err != nil {
			logger.Error("subscribe failed", "feed", feed, "error", err)
			os.Exit(1)
		}
		handles = append(handles, h)
	}
	if *portfolio != "" {
		h, err := c.SubscribePortfolio(*portfolio, func(d model.PortfolioDelta) {
			fmt.Printf("[PORTFOLIO] %s %s qty=%s cash=%s\n", d.AccountID, d.Symbol, d.Quantity, d.Cash)
		})
		if err != nil {
			logger.Error("subscribe failed", "account", *portfolio, "error", err)
			os.Exit(1)
		}
		handles = append(handles, h)
	}
	if len(handles) == 0 {
		logger.Warn("nothing to stream; pass --symbols or --portfolio")
	}

	// Stats printer
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			for _, h := range handles {
				c.Unsubscribe(h)
			}
			return
		case err := <-c.Errors():
			logger.Error("client failed", "error", err)
			if errors.Is(err, errs.ErrAuthRejected) || errors.Is(err, errs.ErrConnection) {
				return
			}
		case <-ticker.C:
			printStats(c, logger)
		}
	}
}

func openKeyStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*keystore.Store, error) {
	var (
		backend keystore.Backend
		err     error
	)
	switch cfg.KeyStore.Backend {
	case config.BackendBadger:
		backend, err = keystore.OpenBadger(keystore.BadgerConfig{Dir: cfg.KeyStore.Path}, logger)
	case config.BackendPostgres:
		pool, perr := database.Connect(ctx, cfg.Database)
		if perr != nil {
			return nil, fmt.Errorf("connect database: %w", perr)
		}
		pg := keystore.NewPostgresBackend(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		backend = pg
	case config.BackendMemory:
		backend = keystore.NewMemoryBackend()
	default:
		err = fmt.Errorf("unknown key store backend %q", cfg.KeyStore.Backend)
	}
	if err != nil {
		return nil, err
	}

	var sealer keystore.Sealer = keystore.PlaintextSealer{}
	if !cfg.KeyStore.Plaintext {
		sealer, err = keystore.NewPassphraseSealer([]byte(cfg.KeyStore.Passphrase), keystore.DefaultKDFParams())
		if err != nil {
			backend.Close()
			return nil, err
		}
	}

	return keystore.NewStore(backend, sealer, logger)
}

func pair(ctx context.Context, c *client.Client, code string, logger *slog.Logger) error {
	ch, err := c.InitiatePairing(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n(challenge expires %s)\n", ch.VerificationMessage, ch.ExpiresAt.Format(time.Kitchen))

	in := bufio.NewReader(os.Stdin)
	for {
		if code == "" {
			fmt.Print("verification code: ")
			line, err := in.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read code: %w", err)
			}
			code = strings.TrimSpace(line)
		}

		kp, err := c.CompletePairing(ctx, ch.ID, code)
		if err == nil {
			logger.Info("device paired", "device", kp)
			return nil
		}
		if remaining, ok := errs.RemainingAttempts(err); ok && errors.Is(err, errs.ErrInvalidCode) && remaining > 0 {
			fmt.Printf("wrong code, %d attempts left\n", remaining)
			code = ""
			continue
		}
		return err
	}
}

func serveMetrics(cfg config.MetricsConfig, logger *slog.Logger) (*metrics.Metrics, func(), error) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(cfg.Namespace, reg)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", srv.Addr, "path", cfg.Path)

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	return m, stop, nil
}

func printTick(verbose bool, logger *slog.Logger) func(model.PriceTick) {
	var n int
	return func(p model.PriceTick) {
		n++
		if verbose || n%100 == 1 {
			fmt.Printf("[TICK] %s@%s bid=%s ask=%s last=%s mid=%s seq=%d\n",
				p.Symbol, p.Venue, p.Bid, p.Ask, p.Last, p.Mid(), p.Seq)
		}
	}
}

func printStats(c *client.Client, logger *slog.Logger) {
	for _, sub := range c.Subscriptions() {
		st := sub.Stats()
		logger.Info("subscription",
			"topic", sub.Topic().String(),
			"state", sub.State().String(),
			"refs", sub.Refs(),
			"queued", st.Depth,
			"delivered", st.Taken,
			"dropped", st.Dropped,
		)
	}
	logger.Info("stream", "connected", c.Connected(), "epoch", c.Epoch())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
