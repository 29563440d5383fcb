package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/john/pressme-overlay/internal/auth"
	"github.com/john/pressme-overlay/internal/backend"
	"github.com/john/pressme-overlay/internal/config"
	"github.com/john/pressme-overlay/internal/logging"
	"github.com/john/pressme-overlay/internal/metrics"
	"github.com/john/pressme-overlay/internal/wallet"
)

// app carries what every command needs once configuration is loaded
type app struct {
	configPath string
	logLevel   string
	yes        bool

	cfg    *config.Config
	logger logging.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "pressme",
		Short:         "PressMe stream overlay and viewer CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfig, "config file (env CONFIG_PATH)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug|info|warn|error (overrides config and LOG_LEVEL)")
	root.PersistentFlags().BoolVarP(&a.yes, "yes", "y", false, "sign transactions without asking")

	root.AddCommand(newOverlayCmd(a))
	root.AddCommand(newLoginCmd(a))
	root.AddCommand(newUsernameCmd(a))
	root.AddCommand(newLogoutCmd(a))
	root.AddCommand(newWhoamiCmd(a))
	root.AddCommand(newDonateCmd(a))
	root.AddCommand(newPressCmd(a))
	root.AddCommand(newSongCmd(a))
	root.AddCommand(newRecentCmd(a))

	return root
}

func (a *app) load(cmd *cobra.Command) error {
	if err := config.LoadEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	// The overlay is a service and logs JSON; viewer commands talk to a person.
	if cmd.Name() == "overlay" {
		a.logger = logging.NewLoggerWithLevel(cfg.LogLevel)
	} else {
		level := cfg.LogLevel
		if a.logLevel == "" && os.Getenv("LOG_LEVEL") == "" {
			level = "warn"
		}
		a.logger = logging.NewTextLogger(cmd.ErrOrStderr(), level)
	}
	return nil
}

func (a *app) backend() *backend.Client {
	return backend.NewClient(backend.Config{
		BaseURL:    a.cfg.API.URL,
		MaxRetries: a.cfg.API.MaxRetries,
		Logger:     a.logger,
		HTTPClient: &http.Client{Timeout: time.Duration(a.cfg.API.TimeoutSeconds) * time.Second},
	})
}

// wallet returns the keypair wallet, asking on the terminal before each
// signature unless auto-approve is on
func (a *app) wallet(cmd *cobra.Command) *wallet.Keypair {
	var approve wallet.ApproveFunc
	if !a.yes && !a.cfg.Wallet.AutoApprove {
		approve = promptApproval(cmd.InOrStdin(), cmd.ErrOrStderr())
	}
	return wallet.NewKeypair(expandHome(a.cfg.Wallet.Keypair), approve)
}

// localAddress is the configured keypair's address, or "" when there is no
// usable keypair
func (a *app) localAddress(ctx context.Context) string {
	if a.cfg.Wallet.Keypair == "" {
		return ""
	}
	w := wallet.NewKeypair(expandHome(a.cfg.Wallet.Keypair), nil)
	if err := w.Select(w.Name()); err != nil {
		return ""
	}
	if err := w.Connect(ctx); err != nil {
		a.logger.WithError(err).Warn("Keypair unavailable")
		return ""
	}
	defer w.Disconnect(ctx)
	pk, ok := w.PublicKey()
	if !ok {
		return ""
	}
	return pk.String()
}

func (a *app) sessionStore(ctx context.Context) (auth.Store, func(), error) {
	switch a.cfg.Auth.Store {
	case "redis":
		opts, err := redis.ParseURL(a.cfg.Auth.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		return auth.NewRedisStore(client, a.cfg.Auth.SessionName), func() { client.Close() }, nil
	default:
		return auth.NewFileStore(a.cfg.Auth.Dir), func() {}, nil
	}
}

func (a *app) authManager(ctx context.Context, w wallet.Provider, b auth.Backend, m *metrics.Metrics) (*auth.Manager, func(), error) {
	store, closeStore, err := a.sessionStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	mgr := auth.NewManager(ctx, auth.Config{
		Wallet:  w,
		Backend: b,
		Store:   store,
		Logger:  a.logger,
		Metrics: m,
	})
	return mgr, closeStore, nil
}

func promptApproval(in io.Reader, out io.Writer) wallet.ApproveFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, ap wallet.Approval) (bool, error) {
		fmt.Fprintf(out, "Sign transaction as %s (%d instruction(s), %d account(s))? [y/N] ",
			ap.Signer, ap.Instructions, ap.Accounts)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
