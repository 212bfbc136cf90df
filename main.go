package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sockaudit/sockaudit/database"
	"github.com/sockaudit/sockaudit/eventlog"
	"github.com/sockaudit/sockaudit/platform"
	"github.com/sockaudit/sockaudit/probes"
	"github.com/sockaudit/sockaudit/procinfo"
	"github.com/sockaudit/sockaudit/sigma"
	"github.com/sockaudit/sockaudit/web"
	"github.com/sockaudit/sockaudit/whitelist"
)

const (
	version = "1.0.0"

	defaultConfigPath = "/etc/sockaudit.yaml"
	sigmaPollInterval = 30 * time.Second
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "sockaudit",
		Short: "Socket and exec auditing for Linux hosts",
		Long: `sockaudit hooks socket and exec operations in the kernel, correlates
the enter and return phases, and appends the completed events to an
in-memory log. Events stream to readers, are archived to SQLite, and can
be evaluated against Sigma detection rules. A small HTTP API exposes
status, archived events, probe control, and rule management.`,
		Version:      version,
		RunE:         run,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	registerFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	buf := eventlog.NewBuffer(eventlog.Config{
		Capacity: cfg.BufferSize,
		LineMax:  cfg.LineMax,
		Sessions: eventlog.SessionOptions{
			SimpleFormat: cfg.SimpleFormat,
			SendEOF:      cfg.SendEOF,
		},
	}, logger.Named("eventlog"))
	defer buf.Close()

	wl, err := whitelist.New(cfg.WhitelistPath, logger.Named("whitelist"))
	if err != nil {
		return fmt.Errorf("failed to load whitelist: %w", err)
	}
	defer wl.Close()
	if cfg.WhitelistPath != "" {
		if err := wl.Watch(); err != nil {
			logger.Warn("whitelist reload watch disabled", zap.Error(err))
		}
	}

	resolver, err := procinfo.NewResolver(0, logger.Named("procinfo"))
	if err != nil {
		return fmt.Errorf("failed to build path resolver: %w", err)
	}

	rec := eventlog.NewRecorder(buf, wl, logger.Named("recorder"))

	var provider probes.Provider
	if cfg.BPFObject != "" {
		p, err := platform.NewProvider(platform.Config{ObjectPath: cfg.BPFObject}, logger.Named("platform"))
		if err != nil {
			return fmt.Errorf("failed to load kernel hooks: %w", err)
		}
		defer p.Close()
		provider = p
	} else {
		logger.Warn("no BPF object configured, probe planting is disabled")
		provider = disabledProvider{}
	}

	table, err := probes.NewTable(0, 0)
	if err != nil {
		return fmt.Errorf("failed to build correlation table: %w", err)
	}
	mgr := probes.NewManager(provider, rec, resolver, table, logger.Named("probes"))
	defer mgr.ReleaseAll()

	mask, err := probes.ParseCategories(cfg.Enable)
	if err != nil {
		return err
	}
	if mask != 0 && cfg.BPFObject != "" {
		if err := mgr.Request(mask); err != nil {
			return fmt.Errorf("failed to plant probes: %w", err)
		}
		logger.Info("probes active", zap.String("categories", mgr.Active().String()))
	}

	// Hooks are planted; everything from here on runs fine unprivileged.
	if cfg.DropPrivileges {
		if err := dropPrivileges(); err != nil {
			return fmt.Errorf("failed to drop privileges: %w", err)
		}
		logger.Info("dropped privileges", zap.String("user", os.Getenv("SUDO_USER")))
	}

	db, err := database.NewDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var wg sync.WaitGroup

	// The archive session must block rather than inherit a send-EOF
	// default, or the archiver would stop at the first drain.
	arch := database.NewArchiver(db, buf.OpenSessionWith(eventlog.SessionOptions{}), logger.Named("archiver"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		arch.Run(ctx)
	}()

	var det *sigma.Detector
	if cfg.RulesDir != "" {
		det, err = sigma.NewDetector(cfg.RulesDir, db.Db, logger.Named("sigma"))
		if err != nil {
			return fmt.Errorf("failed to start sigma detector: %w", err)
		}
		defer det.StopPolling()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := det.StartPolling(ctx, sigmaPollInterval); err != nil {
				logger.Error("sigma polling stopped", zap.Error(err))
			}
		}()
	}

	srv := web.NewServer(db, buf, mgr, det, wl, cfg.Listen, logger.Named("web"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil {
			logger.Error("web server failed", zap.Error(err))
		}
	}()

	if cfg.Tail {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tail(ctx, buf, cfg, logger.Named("tail"))
		}()
	}

	logger.Info("sockaudit running",
		zap.Int("buffer_bytes", buf.Capacity()),
		zap.String("listen", cfg.Listen),
		zap.String("database", cfg.DataDir))

	<-ctx.Done()
	wg.Wait()
	return nil
}

// tail streams formatted event lines to stdout until ctx is cancelled.
func tail(ctx context.Context, buf *eventlog.Buffer, cfg *Config, logger *zap.Logger) {
	sess := buf.OpenSessionWith(eventlog.SessionOptions{SimpleFormat: cfg.SimpleFormat})
	defer sess.Close()

	size := cfg.LineMax
	if size < eventlog.DefaultLineMax {
		size = eventlog.DefaultLineMax
	}
	line := make([]byte, size)

	for {
		n, err := sess.Read(ctx, line)
		switch {
		case err == nil:
			os.Stdout.Write(line[:n])
		case errors.Is(err, eventlog.ErrOverflow):
			logger.Warn("tail fell behind, resuming from oldest retained record")
		case errors.Is(err, context.Canceled), errors.Is(err, io.EOF), errors.Is(err, eventlog.ErrClosed):
			return
		default:
			logger.Error("tail read failed", zap.Error(err))
			return
		}
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// disabledProvider stands in when no BPF object path is configured so
// the archive and API keep working; planting attempts fail loudly.
type disabledProvider struct{}

func (disabledProvider) Plant(symbol string, _ probes.Callbacks) (probes.PlantedHook, error) {
	return nil, fmt.Errorf("no BPF object configured, cannot hook %s", symbol)
}
