package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"signaller/internal/app/httpapi"
	"signaller/internal/app/leases"
	"signaller/internal/config"
	"signaller/pkg/relay"
	"signaller/pkg/webrtc/ice"
)

const shutdownTimeout = 5 * time.Second

func main() {
	config.LoadEnv()
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.RelayFromEnv()

	cmd := &cobra.Command{
		Use:          "signallerd",
		Short:        "Rendezvous relay pairing signaller listeners and connectors by handle",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "address to listen on (ADDR)")
	f.StringVar(&cfg.OriginRE, "origin-re", cfg.OriginRE, "regular expression for the Origin request header (ORIGIN_RE)")
	f.DurationVar(&cfg.ListenDeadline, "listen-deadline", cfg.ListenDeadline, "how long a listener may wait for a connector (LISTEN_DEADLINE)")
	f.DurationVar(&cfg.PipeDeadline, "pipe-deadline", cfg.PipeDeadline, "deadline for a whole paired exchange (PIPE_DEADLINE)")
	f.Int64Var(&cfg.MaxMessageSize, "max-size", cfg.MaxMessageSize, "max size of a message in bytes (MAX_MESSAGE_SIZE)")
	f.IntVar(&cfg.MaxMessages, "max-msg", cfg.MaxMessages, "max number of messages each peer may send (MAX_MESSAGES)")
	f.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for shared handle leases, empty to disable (REDIS_ADDR)")
	f.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "redis key prefix (REDIS_PREFIX)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (LOG_LEVEL)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json (LOG_FORMAT)")
	return cmd
}

func run(ctx context.Context, cfg config.Relay) error {
	if err := config.SetupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logConfig(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store leases.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		store = leases.NewRedisStore(rdb, cfg.RedisPrefix)
	}

	var origin *regexp.Regexp
	if cfg.OriginRE == "" {
		log.Warn("-origin-re is empty, WS handshake will fail if the Origin request header is present and the" +
			" Origin host is not equal to the Host request header.")
	} else {
		origin = regexp.MustCompile(cfg.OriginRE)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := relay.NewServer(relay.Options{
		Logger:         log.StandardLogger(),
		OriginPattern:  origin,
		ListenDeadline: cfg.ListenDeadline,
		PipeDeadline:   cfg.PipeDeadline,
		MaxMessageSize: cfg.MaxMessageSize,
		MaxMessages:    cfg.MaxMessages,
		Leases:         store,
		Metrics:        relay.NewMetrics(reg),
	})

	iceMode, iceServers := ice.LoadFromEnv()
	handler := httpapi.NewRouter(srv, httpapi.Settings{
		ICEMode:    iceMode,
		ICEServers: iceServers,
	}, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go srv.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	srv.Close()
	return serveErr
}

func logConfig(cfg config.Relay) {
	log.WithFields(log.Fields{
		"addr":            cfg.Addr,
		"origin_re":       cfg.OriginRE,
		"listen_deadline": cfg.ListenDeadline,
		"pipe_deadline":   cfg.PipeDeadline,
		"max_size":        cfg.MaxMessageSize,
		"max_msg":         cfg.MaxMessages,
		"redis":           cfg.RedisAddr != "",
	}).Info("config loaded")
}
