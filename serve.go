package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"icapd/internal/config"
	"icapd/internal/echo"
	"icapd/internal/icap"
	"icapd/internal/logging"
	"icapd/internal/ratelimit"
	"icapd/internal/tokenizer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ICAP server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("listen", "", "address to listen on")
	f.Int("port", 1344, "ICAP port")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("metrics-addr", "", "address of the Prometheus endpoint")
	viper.BindPFlag("listen", f.Lookup("listen"))
	viper.BindPFlag("port", f.Lookup("port"))
	viper.BindPFlag("log_level", f.Lookup("log-level"))
	viper.BindPFlag("metrics.addr", f.Lookup("metrics-addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	if configErr != nil {
		return configErr
	}
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, level, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			name := viper.GetString("log_level")
			if err := logging.SetLevel(level, name); err != nil {
				logger.Warn("ignoring log level from reloaded config", zap.Error(err))
				return
			}
			logger.Info("config reloaded", zap.String("file", e.Name), zap.String("log_level", name))
		})
		viper.WatchConfig()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mods := newModuleSet(cfg, logger)
	defer mods.Close()
	handlers, err := mods.handlers(ctx)
	if err != nil {
		return err
	}

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PIDFile)
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	g, ctx := errgroup.WithContext(ctx)
	opts := []icap.ServerOption{
		icap.WithServerLogger(logger),
		icap.WithMetrics(icap.NewMetrics(reg)),
	}
	if cfg.RateLimit.MaxAttempts > 0 {
		limiter := ratelimit.New(cfg.RateLimit.MaxAttempts, cfg.RateLimit.Window, cfg.RateLimit.Block)
		opts = append(opts, icap.WithLimiter(limiter))
		g.Go(func() error {
			limiter.Run(ctx, cfg.RateLimit.Window)
			return nil
		})
	}

	srv := icap.NewServer(icap.ServerConfig{
		Service:        cfg.Service,
		OptionsTTL:     cfg.OptionsTTL,
		PreviewSize:    cfg.PreviewSize,
		MaxConnections: cfg.MaxConnections,
		CommTimeout:    cfg.CommTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		MaxLineBytes:   cfg.MaxLineBytes,
	}, handlers, opts...)

	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		ms := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := ms.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}

	logger.Info("icapd started",
		zap.String("version", version),
		zap.String("addr", cfg.Address()),
		zap.Bool("tls", cfg.TLS.Enabled()),
	)
	err = g.Wait()
	logger.Info("icapd stopped")
	return err
}

func listen(cfg *config.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled() {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("load TLS certificate: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

func writePIDFile(path string) error {
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(pid), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// moduleFactory builds the modifier behind a module implementation name.
type moduleFactory func(ctx context.Context, s *moduleSet) (icap.Modifier, error)

var moduleFactories = map[string]moduleFactory{
	"echo": func(context.Context, *moduleSet) (icap.Modifier, error) {
		return echo.New(), nil
	},
	"tokenizer": newTokenizerModule,
}

// moduleSet instantiates the configured modules once per name and owns
// the resources they open.
type moduleSet struct {
	cfg       *config.Config
	logger    *zap.Logger
	instances map[string]icap.Modifier
	closers   []func() error

	// readPassphrase prompts for the vault passphrase when none is configured.
	readPassphrase func() (string, error)
}

func newModuleSet(cfg *config.Config, logger *zap.Logger) *moduleSet {
	return &moduleSet{
		cfg:            cfg,
		logger:         logger,
		instances:      make(map[string]icap.Modifier),
		readPassphrase: promptPassphrase,
	}
}

func (s *moduleSet) handlers(ctx context.Context) (map[string][]icap.Modifier, error) {
	handlers := make(map[string][]icap.Modifier)
	for _, method := range []string{"REQMOD", "RESPMOD"} {
		for _, m := range s.cfg.Handlers(method) {
			mod, err := s.get(ctx, m)
			if err != nil {
				return nil, err
			}
			handlers[method] = append(handlers[method], mod)
		}
		s.logger.Debug("handler configured",
			zap.String("method", method),
			zap.Int("modules", len(handlers[method])),
		)
	}
	return handlers, nil
}

func (s *moduleSet) get(ctx context.Context, m config.Module) (icap.Modifier, error) {
	if mod, ok := s.instances[m.Name]; ok {
		return mod, nil
	}
	factory, ok := moduleFactories[m.Module]
	if !ok {
		return nil, fmt.Errorf("module %q: unknown implementation %q", m.Name, m.Module)
	}
	mod, err := factory(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", m.Name, err)
	}
	s.instances[m.Name] = mod
	return mod, nil
}

// Close releases the resources opened by the modules.
func (s *moduleSet) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("failed to close module resource", zap.Error(err))
		}
	}
	s.closers = nil
}

func newTokenizerModule(ctx context.Context, s *moduleSet) (icap.Modifier, error) {
	tc := s.cfg.Modules.Tokenizer
	key, err := s.vaultKey(tc)
	if err != nil {
		return nil, err
	}

	var store tokenizer.Store
	if tc.DSN != "" {
		ms, err := tokenizer.OpenMySQL(ctx, tc.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, ms.Close)
		store = ms
		s.logger.Info("card vault connected to MySQL")
	} else {
		s.logger.Warn("no card vault DSN configured, tokens are kept in memory")
		store = tokenizer.NewMemoryStore()
	}

	tok := tokenizer.New(store, key, tc.TokenFormat, s.logger)
	return tokenizer.NewModifier(tok, s.logger), nil
}

func (s *moduleSet) vaultKey(tc config.TokenizerConfig) (*fernet.Key, error) {
	if tc.EncryptionKey != "" {
		return tokenizer.LoadKey(tc.EncryptionKey)
	}
	pass := tc.Passphrase
	if pass == "" {
		p, err := s.readPassphrase()
		if err != nil {
			return nil, err
		}
		pass = p
	}
	return tokenizer.DeriveKey(pass, tc.Salt)
}

func promptPassphrase() (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", errors.New("no vault key configured: set modules.tokenizer.encryption_key or modules.tokenizer.passphrase")
	}
	fmt.Fprint(os.Stderr, "Vault passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(b), nil
}
