// Package client assembles a ready-to-use coordinator from configuration.
package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/config"
	"github.com/TheMichaelB/recsync/internal/coordinator"
	"github.com/TheMichaelB/recsync/internal/crypto"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/remote"
	"github.com/TheMichaelB/recsync/internal/resolve"
	"github.com/TheMichaelB/recsync/internal/services/auth"
	syncsvc "github.com/TheMichaelB/recsync/internal/services/sync"
	"github.com/TheMichaelB/recsync/internal/store"
	"github.com/TheMichaelB/recsync/internal/transport"
)

// Client provides the high-level API for recsync operations.
type Client struct {
	Coordinator *coordinator.Coordinator
	Auth        *auth.Service
	Local       store.RecordStore
	Journal     store.Journal
	Remote      store.RemoteStore
	Locker      *store.Locker

	config    *config.Config
	logger    *events.Logger
	transport transport.Transport
	notifier  *remote.Notifier
	closers   []func() error
}

// New opens the local store and, when configured, the remote store, and
// wires them into a coordinator. Call Start before use.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger) (*Client, error) {
	c := &Client{
		config: cfg,
		logger: logger.WithField("component", "client"),
		Locker: store.NewLocker(cfg.Sync.LockTimeout),
	}

	local, journal, closeLocal, err := OpenLocal(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.Local, c.Journal = local, journal
	c.closers = append(c.closers, closeLocal)

	if err := c.openRemote(ctx); err != nil {
		c.Close()
		return nil, err
	}

	resolver, err := resolve.New(models.ResolutionStrategy(cfg.Sync.Strategy))
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Coordinator, err = coordinator.New(coordinator.Options{
		Local:                   local,
		Journal:                 journal,
		Remote:                  c.Remote,
		Locker:                  c.Locker,
		Resolver:                resolver,
		Clock:                   clock.System{},
		MigrationErrorThreshold: cfg.Migration.ErrorThreshold,
		Sync: syncsvc.Config{
			BatchSize:     cfg.Sync.BatchSize,
			MaxConcurrent: cfg.Sync.MaxConcurrent,
			WatermarkSkew: cfg.Sync.WatermarkSkew,
		},
		SyncService: syncsvc.ServiceConfig{
			Interval:     cfg.Sync.Interval,
			ForceTimeout: cfg.Sync.ForceTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// OpenLocal opens the configured local record store and its change log.
// The JSON backend keeps its change log in a sidecar SQLite database.
func OpenLocal(cfg *config.Config, logger *events.Logger) (store.RecordStore, store.Journal, func() error, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0700); err != nil {
		return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	switch cfg.Storage.Backend {
	case "json":
		records, err := store.NewJSONStore(cfg.Storage.JSONDirectory(), logger)
		if err != nil {
			return nil, nil, nil, err
		}
		sidecar, err := store.NewSQLiteStore(filepath.Join(cfg.Storage.DataDir, "journal.db"), logger)
		if err != nil {
			_ = records.Close()
			return nil, nil, nil, err
		}
		closeAll := func() error {
			err := records.Close()
			if cerr := sidecar.Close(); err == nil {
				err = cerr
			}
			return err
		}
		return records, sidecar.Journal(), closeAll, nil

	default:
		records, err := store.NewSQLiteStore(cfg.Storage.SQLiteFile(), logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return records, records.Journal(), records.Close, nil
	}
}

func (c *Client) openRemote(ctx context.Context) error {
	var (
		remoteStore store.RemoteStore
		verifier    auth.Verifier
	)

	switch c.config.Remote.Backend {
	case "http":
		tr := transport.NewTransport(&c.config.Remote, c.logger)
		httpStore := remote.NewHTTPStore(tr, c.logger)
		c.transport = tr
		remoteStore, verifier = httpStore, httpStore

	case "dynamodb":
		ddb, err := remote.NewDynamoDBStore(ctx, c.config.Remote.DynamoTable, c.config.Remote.Region, c.logger)
		if err != nil {
			return err
		}
		remoteStore = ddb
	}

	c.Auth = auth.NewService(c.transport, verifier, expandHome(c.config.Auth.TokenFile), c.logger)

	if remoteStore == nil {
		return nil
	}

	if c.config.Remote.Encrypt {
		sealer, err := crypto.NewSealer(c.config.Remote.Passphrase, crypto.KeyParams{
			KDF:  crypto.KDFScrypt,
			Salt: c.config.Remote.Salt,
		})
		if err != nil {
			_ = remoteStore.Close()
			return fmt.Errorf("create payload sealer: %w", err)
		}
		remoteStore = remote.NewSealedStore(remoteStore, sealer)
	}

	c.Remote = remoteStore
	c.closers = append(c.closers, remoteStore.Close)
	return nil
}

// Authenticated reports whether the remote may be used. DynamoDB relies on
// the AWS credential chain; the HTTP remote needs a token.
func (c *Client) Authenticated() bool {
	switch {
	case c.Remote == nil:
		return false
	case c.config.Remote.Backend == "dynamodb":
		return true
	case c.config.Auth.Token != "":
		if c.transport != nil {
			c.transport.SetToken(c.config.Auth.Token)
		}
		return true
	default:
		return c.Auth.Authenticated()
	}
}

// Start initializes the coordinator and, for long-running processes, keeps
// it in step with login/logout and remote change notifications.
func (c *Client) Start(ctx context.Context, watch bool) error {
	if err := c.Coordinator.Initialize(ctx, c.Authenticated()); err != nil {
		return err
	}
	if !watch {
		return nil
	}

	c.Coordinator.WatchAuth(ctx, c.Auth.Watch(ctx))

	if c.transport != nil && c.config.Remote.Notify {
		c.notifier = remote.NewNotifier(c.transport, func(keys []models.Key) {
			c.Coordinator.RemoteChanged()
		}, c.logger)
		c.notifier.Start(ctx)
	}
	return nil
}

// Config returns the client configuration.
func (c *Client) Config() *config.Config {
	return c.config
}

// Close stops background work and releases both stores.
func (c *Client) Close() error {
	if c.notifier != nil {
		c.notifier.Stop()
	}
	if c.Coordinator != nil {
		c.Coordinator.Dispose()
	}

	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closers = nil
	return firstErr
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
