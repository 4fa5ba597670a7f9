package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/matrix-sync/internal/auth"
	"github.com/alexjbarnes/matrix-sync/internal/config"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/group"
	apperrors "github.com/alexjbarnes/matrix-sync/internal/errors"
	"github.com/alexjbarnes/matrix-sync/internal/feed"
	"github.com/alexjbarnes/matrix-sync/internal/logging"
	"github.com/alexjbarnes/matrix-sync/internal/mcpserver"
	"github.com/alexjbarnes/matrix-sync/internal/server"
	"github.com/alexjbarnes/matrix-sync/internal/session"
	"github.com/alexjbarnes/matrix-sync/internal/ssss"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/syncer"
	"github.com/alexjbarnes/matrix-sync/internal/worker"
	"github.com/alexjbarnes/matrix-sync/matrix"
	"github.com/alexjbarnes/matrix-sync/matrix/transport"
)

var Version = "dev"

const (
	// Rate-limit retry bounds when the server gives no retry_after_ms.
	schedulerRetryStart = 2 * time.Second
	schedulerRetryMax   = time.Minute

	// Probe backoff while the homeserver is unreachable.
	reconnectRetryStart = 2 * time.Second
	reconnectRetryMax   = 5 * time.Minute

	shutdownTimeout = 10 * time.Second
)

func main() {
	// Handle gen-api-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "gen-api-key" {
		genAPIKey()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// genAPIKey prints a random key for MCP_API_KEYS.
func genAPIKey() {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(config.APIKeyPrefix + hex.EncodeToString(buf))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLoggerWithLevel(cfg.Environment, cfg.LogLevel)
	logger.Info("matrix-sync starting",
		slog.String("version", Version),
		slog.String("homeserver", cfg.Homeserver),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("feed", cfg.FeedListenAddr != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	st, err := storage.Open(cfg.DatabasePath(), logging.Component(logger, "storage"))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer st.Close()

	client, err := matrix.NewClient(matrix.ClientConfig{
		Homeserver: cfg.Homeserver,
		Logger:     logging.Component(logger, "matrix"),
	})
	if err != nil {
		return err
	}

	scheduler := transport.NewRequestScheduler(transport.SchedulerConfig{
		RetryStart: schedulerRetryStart,
		RetryMax:   schedulerRetryMax,
		Logger:     logging.Component(logger, "scheduler"),
	})
	scheduler.Start()
	defer scheduler.Stop()

	api := transport.NewScheduledAPI(client, scheduler)

	login, err := restoreLogin(ctx, cfg, api, st, logger)
	if err != nil {
		return err
	}

	client.SetAccessToken(login.AccessToken)

	g, gctx := errgroup.WithContext(ctx)

	var pool *worker.Pool

	if cfg.CryptoWorkers > 0 {
		pool = worker.NewPool(worker.PoolConfig{
			Size:   cfg.CryptoWorkers,
			Logger: logging.Component(logger, "worker"),
		})

		g.Go(func() error {
			return pool.Run(gctx)
		})
	}

	sess, err := session.Open(gctx, session.Options{
		UserID:       login.UserID,
		DeviceID:     login.DeviceID,
		API:          api,
		Storage:      st,
		PickleKey:    login.PickleKey,
		KeyCacheSize: cfg.KeyCacheSize,
		Rotation: group.RotationSettings{
			Period:   cfg.MegolmRotationPeriod,
			Messages: uint32(cfg.MegolmRotationMessages),
		},
		Pool:   pool,
		Logger: logging.Component(logger, "session"),
	})
	if err != nil {
		stop()
		_ = g.Wait()

		return fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	enableBackup(gctx, cfg, sess, logger)

	reconnector := transport.NewReconnector(transport.ReconnectorConfig{
		RetryStart: reconnectRetryStart,
		RetryMax:   reconnectRetryMax,
		Logger:     logging.Component(logger, "reconnector"),
	})

	syncLoop := syncer.New(syncer.Config{
		API:         api,
		Storage:     st,
		Session:     sess,
		Reconnector: reconnector,
		Timeout:     cfg.SyncTimeout,
		Logger:      logging.Component(logger, "sync"),
	})

	g.Go(func() error {
		return syncLoop.Run(gctx)
	})

	if cfg.EnableMCP || cfg.FeedListenAddr != "" {
		keys, err := cfg.ParseMCPAPIKeys()
		if err != nil {
			stop()
			_ = g.Wait()

			return fmt.Errorf("parsing MCP API keys: %w", err)
		}

		authKeys := auth.NewKeys(keys)

		if cfg.EnableMCP {
			g.Go(func() error {
				return runMCP(gctx, cfg, sess, authKeys, logger)
			})
		}

		if cfg.FeedListenAddr != "" {
			g.Go(func() error {
				return runFeed(gctx, cfg, sess, syncLoop, authKeys, logger)
			})
		}
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// restoreLogin returns the stored login, or logs in with the configured
// access token or password and stores the result.
func restoreLogin(ctx context.Context, cfg *config.Config, api matrix.HomeServerAPI, st *storage.Storage, logger *slog.Logger) (*session.Login, error) {
	login, err := session.LoadLogin(st)
	if err == nil {
		logger.Info("restored session",
			slog.String("user_id", login.UserID),
			slog.String("device_id", login.DeviceID),
		)

		return login, nil
	}

	if !errors.Is(err, apperrors.ErrNotLoggedIn) {
		return nil, err
	}

	switch {
	case cfg.AccessToken != "":
		if cfg.UserID == "" {
			return nil, fmt.Errorf("MATRIX_USER_ID is required with MATRIX_ACCESS_TOKEN")
		}

		login = &session.Login{
			Homeserver:  cfg.Homeserver,
			UserID:      cfg.UserID,
			DeviceID:    cfg.DeviceID,
			AccessToken: cfg.AccessToken,
		}

		if err := session.StoreLogin(st, login); err != nil {
			return nil, fmt.Errorf("storing login: %w", err)
		}
	case cfg.Password != "":
		logger.Info("logging in", slog.String("user_id", cfg.UserID))

		login, err = session.PasswordLogin(ctx, api, st, cfg.Homeserver, cfg.UserID, cfg.Password, cfg.DeviceName)
		if err != nil {
			return nil, err
		}
	default:
		return nil, apperrors.ErrNotLoggedIn
	}

	logger.Info("logged in",
		slog.String("user_id", login.UserID),
		slog.String("device_id", login.DeviceID),
	)

	return login, nil
}

// enableBackup unlocks the key backup with the configured secret. A
// failure only disables backup lookups.
func enableBackup(ctx context.Context, cfg *config.Config, sess *session.Session, logger *slog.Logger) {
	if sess.BackupEnabled() {
		return
	}

	var err error

	switch {
	case cfg.SecurityPhrase != "":
		err = sess.EnableBackup(ctx, cfg.SecurityPhrase, ssss.Passphrase)
	case cfg.RecoveryKey != "":
		err = sess.EnableBackup(ctx, cfg.RecoveryKey, ssss.RecoveryKey)
	default:
		return
	}

	if err != nil {
		logger.Warn("key backup not enabled", slog.String("error", err.Error()))
	}
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, sess *session.Session, keys *auth.Keys, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "matrix-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, sess)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
	})

	return serve(ctx, &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}, mcpLogger)
}

// runFeed starts the websocket feed server. Streams are long-lived, so
// the server sets no write timeout.
func runFeed(ctx context.Context, cfg *config.Config, sess *session.Session, syncLoop *syncer.Sync, keys *auth.Keys, logger *slog.Logger) error {
	feedLogger := logger.With(slog.String("service", "feed"))

	mux := server.NewMux(server.MuxConfig{
		Keys:        keys,
		FeedHandler: feed.NewHandler(sess, syncLoop, feedLogger),
		Logger:      feedLogger,
	})

	return serve(ctx, &http.Server{
		Addr:              cfg.FeedListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}, feedLogger)
}

func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	logger.Info("starting server", slog.String("listen", srv.Addr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
