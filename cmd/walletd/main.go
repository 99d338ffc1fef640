package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lnswitch/internal/api"
	"lnswitch/internal/bolt"
	"lnswitch/internal/invoices"
	"lnswitch/internal/logging"
	"lnswitch/internal/payments"
	"lnswitch/internal/receive"
	"lnswitch/internal/session"
	"lnswitch/internal/store"
)

// parseTokens reads "token=userID,token=userID" into a lookup map.
func parseTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, "=")
		if !ok || token == "" || user == "" {
			continue
		}
		tokens[token] = user
	}
	return tokens
}

// envConfig collects LNSWITCH_<prefix>_SOCKET/CERT/MACAROON into the
// wallet-config shape the adapters expect.
func envConfig(prefix string) map[string]string {
	return map[string]string{
		"socket":   os.Getenv("LNSWITCH_" + prefix + "_SOCKET"),
		"cert":     os.Getenv("LNSWITCH_" + prefix + "_CERT"),
		"macaroon": os.Getenv("LNSWITCH_" + prefix + "_MACAROON"),
	}
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "lnswitch.db", "SQLite database path")
	devMode := flag.Bool("dev", false, "Development mode: mock wallet protocol, open CORS, no rate limiting")
	corsOrigins := flag.String("cors-origins", "", "Comma-separated list of allowed CORS origins (empty allows all)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	feePercent := flag.Int64("fee-percent", receive.DefaultFeePercent, "Margin percent skimmed off wrapped invoices")
	maxPending := flag.Int("max-pending", api.DefaultMaxPendingPerUser, "Maximum open invoices per user")
	flag.Parse()

	logging.Init(*logLevel, *devMode)
	defer logging.Sync()
	log := logging.New("main")

	st, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		log.Fatalw("open database", "path", *dbPath, "err", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := session.NewManager(session.DefaultIdleTimeout)

	registry := payments.NewRegistry()
	registry.Register(payments.ProtocolLND, func(config map[string]string, l *zap.SugaredLogger) (payments.Adapter, error) {
		return payments.DialLND(ctx, config, l)
	})
	registry.Register(payments.ProtocolNWC, func(config map[string]string, l *zap.SugaredLogger) (payments.Adapter, error) {
		key := payments.ProtocolNWC + ":" + session.Fingerprint(config)
		return payments.NewNWCWallet(config, sessions, key, l)
	})
	registry.Register(payments.ProtocolLNC, func(config map[string]string, l *zap.SugaredLogger) (payments.Adapter, error) {
		key := payments.ProtocolLNC + ":" + session.Fingerprint(config)
		return payments.NewLNCWallet(config, sessions, key, l)
	})
	registry.Register(payments.ProtocolCustodial, func(config map[string]string, l *zap.SugaredLogger) (payments.Adapter, error) {
		return payments.NewCustodialWallet(config, l)
	})
	registry.Register(payments.ProtocolLNDK, func(config map[string]string, l *zap.SugaredLogger) (payments.Adapter, error) {
		bridge, err := payments.DialBOLT12Bridge(ctx, config, l)
		if err != nil {
			return nil, err
		}
		return payments.NewLNDKWallet(bridge), nil
	})
	if *devMode {
		mock := payments.NewMockWallet()
		registry.Register(payments.ProtocolMock, func(config map[string]string, l *zap.SugaredLogger) (payments.Adapter, error) {
			return mock, nil
		})
		log.Infow("mock wallet protocol enabled")
	}

	controller := invoices.NewController(st, 0)
	watcher := invoices.NewWatcher(st, time.Minute)
	go watcher.Run(ctx)

	// The routing node mints the outer half of wrapped invoices and
	// forwards the payment inward.
	var node receive.RoutingNode
	if nodeCfg := envConfig("NODE"); nodeCfg["socket"] != "" {
		lnd, err := payments.DialLND(ctx, nodeCfg, logging.New("node"))
		if err != nil {
			log.Fatalw("connect routing node", "err", err)
		}
		node = lnd
		log.Infow("routing node connected", "socket", nodeCfg["socket"])
	} else if *devMode {
		node = &payments.MockRoutingNode{}
		log.Infow("no routing node configured, wrapped invoices settle against the mock node")
	} else {
		log.Fatalw("routing node not configured; set LNSWITCH_NODE_SOCKET, LNSWITCH_NODE_CERT and LNSWITCH_NODE_MACAROON")
	}

	wrapper := receive.NewWrapper(node, st)
	selector := receive.NewSelector(st, st, controller, registry, wrapper, *feePercent)
	dispatcher := payments.NewDispatcher(st, controller, registry, selector)

	// Optional offers daemon; without it BOLT12 input is rejected at
	// the API.
	var bridge bolt.Bolt12Backend
	if bridgeCfg := envConfig("LNDK"); bridgeCfg["socket"] != "" {
		b, err := payments.DialBOLT12Bridge(ctx, bridgeCfg, logging.New("lndk"))
		if err != nil {
			log.Fatalw("connect offers daemon", "err", err)
		}
		defer b.Close()
		bridge = b
		log.Infow("offers daemon connected", "socket", bridgeCfg["socket"])
	} else {
		log.Infow("no offers daemon configured, BOLT12 disabled")
	}

	limiter := api.NewPendingInvoiceLimiter(*maxPending)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := limiter.CleanupExpired(24 * time.Hour); removed > 0 {
					log.Infow("dropped stale pending-invoice entries", "count", removed)
				}
			}
		}
	}()

	codec := bolt.NewCodec(node, bridge)
	handler := api.NewHandler(st, st, selector, dispatcher, registry, codec, limiter)

	tokens := parseTokens(os.Getenv("LNSWITCH_API_TOKENS"))
	if len(tokens) == 0 {
		log.Warnw("no API tokens configured, all callers are anonymous")
	}
	resolve := func(token string) string { return tokens[token] }

	var final http.Handler = api.BearerAuth(resolve)(handler)

	var corsCfg api.CORSConfig
	if !*devMode && *corsOrigins != "" {
		for _, o := range strings.Split(*corsOrigins, ",") {
			corsCfg.AllowedOrigins = append(corsCfg.AllowedOrigins, strings.TrimSpace(o))
		}
		log.Infow("CORS restricted", "origins", corsCfg.AllowedOrigins)
	}
	final = api.CORS(corsCfg)(final)

	if !*devMode {
		final = api.RateLimit(api.DefaultRateLimitConfig())(final)
	}
	final = api.Logger(final)

	server := &http.Server{
		Addr:    *addr,
		Handler: final,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Infow("shutting down")
		cancel()
		sessions.Shutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorw("shutdown", "err", err)
		}
	}()

	log.Infow("listening", "addr", *addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalw("server", "err", err)
	}
}
