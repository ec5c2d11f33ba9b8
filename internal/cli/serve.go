package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"collabtext/internal/auth"
	"collabtext/internal/codec"
	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/logger"
	"collabtext/internal/metadata"
	"collabtext/internal/persistence"
	"collabtext/internal/room"
	"collabtext/internal/server"
)

const shutdownTimeout = 15 * time.Second

var (
	serveListen     string
	serveRedis      string
	serveStorageDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Runs the websocket sync server and the content API. Settings come from
the config file, then the environment, then these flags.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides listen_addr)")
	serveCmd.Flags().StringVar(&serveRedis, "redis", "", "Redis address (overrides redis_addr)")
	serveCmd.Flags().StringVar(&serveStorageDir, "storage-dir", "", "Fallback snapshot directory (overrides storage_dir)")
	rootCmd.AddCommand(serveCmd)
}

func applyServeFlags(c *config.Config) {
	if serveListen != "" {
		c.ListenAddr = serveListen
	}
	if serveRedis != "" {
		c.RedisAddr = serveRedis
	}
	if serveStorageDir != "" {
		c.StorageDir = serveStorageDir
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	applyServeFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}

// app is a fully wired server process.
type app struct {
	cfg      *config.Config
	instance string

	rdb     *redis.Client
	meta    metadata.Store
	manager *persistence.Manager
	rooms   *room.Registry
	server  *server.Server
}

// newApp connects the stores and builds the registry and HTTP server for c.
func newApp(ctx context.Context, c *config.Config) (*app, error) {
	a := &app{cfg: c, instance: uuid.NewString()}

	var err error
	a.manager, a.rdb, err = openPersistence(ctx, c)
	if err != nil {
		return nil, err
	}
	var relay room.Relay
	if a.rdb != nil {
		relay = room.NewRedisRelay(a.rdb, a.instance)
	}

	a.meta, err = metadata.Open(ctx, c.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	if c.SkipAuth {
		if c.AuthDisabled() {
			slog.Warn("websocket auth is disabled, every caller is an anonymous editor")
		} else {
			slog.Warn("skip_auth is ignored in production")
		}
	}
	gate := auth.NewGate(auth.NewVerifier(c.JWTSecret), a.meta, auth.Options{
		Timeout:  c.AuthTimeout.Duration,
		SkipAuth: c.AuthDisabled(),
	})

	a.rooms = room.NewRegistry(a.manager, relay, room.Options{
		IdleTTL:      c.RoomIdleTTL.Duration,
		MaxRooms:     c.MaxRooms,
		MaxMalformed: c.MaxMalformed,
		RateLimit:    c.RateLimit,
		RateBurst:    c.RateBurst,
		Access:       gate,
	})
	a.server = server.New(gate, a.rooms, server.Options{Degraded: a.manager.Degraded})
	return a, nil
}

// openPersistence builds the snapshot store: Redis as primary when
// redis_addr is set, files under storage_dir as the fallback.
func openPersistence(ctx context.Context, c *config.Config) (*persistence.Manager, *redis.Client, error) {
	fallback, err := persistence.NewFileBackend(c.StorageDir)
	if err != nil {
		return nil, nil, err
	}

	var (
		primary persistence.Backend
		rdb     *redis.Client
	)
	if c.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable at startup, starting on the fallback store", "addr", c.RedisAddr, "err", err)
		}
		primary = persistence.NewRedisBackend(rdb)
	} else {
		slog.Warn("no redis configured, snapshots go to the fallback store only", "dir", c.StorageDir)
	}
	m := persistence.NewManager(primary, fallback, persistence.Options{
		PrimaryTimeout: c.PrimaryTimeout.Duration,
		ProbeInterval:  c.ProbeInterval.Duration,
		Merge:          codec.MergeSnapshots,
	})
	return m, rdb, nil
}

// Run serves until ctx is done, then saves every resident room.
func (a *app) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.rooms.Run(bgCtx)
	}()
	if a.rdb != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.probePrimary(bgCtx)
		}()
	}

	if configPath != "" {
		w, err := config.Watch(configPath, reloadLogLevel)
		if err != nil {
			slog.Warn("config reload disabled", "path", configPath, "err", err)
		} else {
			defer w.Close()
		}
	}

	if a.cfg.AdvertiseMDNS {
		if adv := a.advertise(); adv != nil {
			defer adv.Shutdown()
		}
	}

	err := a.server.Run(ctx, a.cfg.ListenAddr)
	cancel()
	wg.Wait()

	slog.Info("saving rooms before exit", "rooms", a.rooms.Len())
	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	if cerr := a.rooms.Close(closeCtx); cerr != nil {
		slog.Error("some rooms were not saved", "err", cerr)
		if err == nil {
			err = cerr
		}
	}
	return err
}

// probePrimary retries a failed primary store in the background so the
// server leaves degraded mode without waiting for the next save.
func (a *app) probePrimary(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ProbeInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !a.manager.Degraded() {
				continue
			}
			if err := a.manager.Probe(ctx); err != nil {
				slog.Debug("primary store still down", "err", err)
				continue
			}
			slog.Info("primary store recovered")
		case <-ctx.Done():
			return
		}
	}
}

func (a *app) advertise() *discovery.Advertiser {
	port, err := discovery.PortFromAddr(a.cfg.ListenAddr)
	if err != nil {
		slog.Warn("mDNS advertisement skipped", "addr", a.cfg.ListenAddr, "err", err)
		return nil
	}
	adv, err := discovery.Advertise(a.instance, port, version)
	if err != nil {
		slog.Warn("mDNS advertisement failed", "err", err)
		return nil
	}
	return adv
}

// Close releases the store connections.
func (a *app) Close() {
	if a.meta != nil {
		if err := a.meta.Close(); err != nil {
			slog.Warn("closing metadata store", "err", err)
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

func reloadLogLevel(c *config.Config) {
	if err := logger.SetLevel(c.LogLevel); err != nil {
		slog.Warn("ignoring reloaded log level", "level", c.LogLevel, "err", err)
		return
	}
	slog.Info("log level reloaded", "level", c.LogLevel)
}
