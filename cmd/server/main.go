package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

const storeConnectTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stores holds whichever optional backends came up.
type stores struct {
	pg   *store.Postgres
	rdb  *redis.Client
	nats *nats.Conn
}

func (s *stores) close(log *zap.Logger) {
	if s.nats != nil {
		if err := s.nats.Drain(); err != nil {
			log.Warn("nats drain failed", zap.Error(err))
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			log.Warn("redis close failed", zap.Error(err))
		}
	}
	if s.pg != nil {
		s.pg.Close()
	}
}

func run() error {
	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting roomchat server",
		zap.String("port", cfg.Port),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.String("room", cfg.RoomID),
	)

	st, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer st.close(log)

	opts := server.HubOptions{RoomID: cfg.RoomID, Logger: log}

	var lookup server.ProfileLookup
	var recorders []server.Recorder
	if st.pg != nil {
		lookup = st.pg
		recorders = append(recorders, st.pg)
	}
	if st.nats != nil {
		recorders = append(recorders, store.NewNatsTap(st.nats, cfg.NatsSubject))
	}
	if st.rdb != nil {
		opts.Mirror = store.NewRedisPresence(st.rdb, cfg.RedisPrefix)
	}
	opts.Resolver = server.NewResolver(lookup, cfg.FallbackName, cfg.LookupTimeout, log)
	opts.Gateway = server.NewGateway(cfg.RoomID, cfg.PersistTimeout, log, recorders...)
	if !opts.Gateway.Enabled() {
		log.Warn("no message store configured; messages will not be persisted")
	}

	hub := server.NewHub(opts)
	server.StartHub(hub, log)

	srv := server.NewServer(cfg, hub, log)
	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, log)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		_ = hub.Shutdown(cfg.ShutdownAfter)
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownAfter, log); err != nil {
		log.Warn("forcing close", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := hub.Shutdown(cfg.ShutdownAfter); err != nil {
		log.Warn("hub shutdown incomplete", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}

// openStores connects every configured backend. A backend that fails to
// come up is skipped with a warning unless REQUIRE_STORE is set.
func openStores(cfg *server.Config, log *zap.Logger) (*stores, error) {
	st := &stores{}
	degrade := func(name string, err error) error {
		if cfg.RequireStore {
			st.close(log)
			return errors.Wrapf(err, "open %s", name)
		}
		log.Warn("store unavailable; continuing without it", zap.String("store", name), zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeConnectTimeout)
	defer cancel()

	if cfg.DatabaseURL == "" {
		if err := degrade("postgres", errors.New("DATABASE_URL not set")); err != nil {
			return nil, err
		}
	} else if pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL); err != nil {
		if err := degrade("postgres", err); err != nil {
			return nil, err
		}
	} else {
		st.pg = pg
		log.Info("connected to postgres")
	}

	if cfg.RedisAddr != "" {
		rdb, err := store.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			if err := degrade("redis", err); err != nil {
				return nil, err
			}
		} else {
			st.rdb = rdb
			log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		}
	}

	if cfg.NatsURL != "" {
		nc, err := store.ConnectNats(cfg.NatsURL, "roomchat-server")
		if err != nil {
			if err := degrade("nats", err); err != nil {
				return nil, err
			}
		} else {
			st.nats = nc
			log.Info("connected to nats", zap.String("url", cfg.NatsURL))
		}
	}

	return st, nil
}
