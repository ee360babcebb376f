// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/aiku/wa-gateway/pkg/connector"
)

// Main is the command line entry point of a gateway binary.
type Main struct {
	Name        string
	Description string
	Version     string

	// Build information, usually filled in with -ldflags.
	Tag       string
	Commit    string
	BuildTime string

	// NewEngine builds the protocol engine for a loaded config. This is where
	// a binary plugs in its WhatsApp protocol implementation.
	NewEngine func(cfg *Config, log zerolog.Logger) (connector.Engine, error)

	Stdout io.Writer
	Stderr io.Writer
}

// Run executes the command line and exits the process.
func (m *Main) Run() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := m.Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// Execute runs the command line with args and returns the exit code.
func (m *Main) Execute(ctx context.Context, args []string) int {
	if m.Stdout == nil {
		m.Stdout = os.Stdout
	}
	if m.Stderr == nil {
		m.Stderr = os.Stderr
	}
	cmd := m.Command()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			_, _ = fmt.Fprintf(m.Stderr, "✗ %s\n", err)
		}
		return 1
	}
	return 0
}

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag, env string) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if err := v.BindEnv(key, env); err != nil {
		panic(err)
	}
}

// Command builds the cobra command tree. Running the root command is the
// same as running serve.
func (m *Main) Command() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           m.Name,
		Short:         m.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return m.serve(cmd.Context(), v)
		},
	}
	root.SetOut(m.Stdout)
	root.SetErr(m.Stderr)

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "config.yaml", "path to the config file")
	flags.String("listen", "", "HTTP listen address, overrides listen_addr")
	flags.String("redis-url", "", "Redis URL, overrides redis_url")
	bindFlag(v, "config", flags.Lookup("config"), "CONFIG_PATH")
	bindFlag(v, "listen", flags.Lookup("listen"), "LISTEN_ADDR")
	bindFlag(v, "redis-url", flags.Lookup("redis-url"), "REDIS_URL")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Connect every instance and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return m.serve(cmd.Context(), v)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the config file and list the configured instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := m.loadConfig(v)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, "✓ Config is valid")
			_, _ = fmt.Fprintf(out, "  Instances: %d\n", len(cfg.Instances))
			for i := range cfg.Instances {
				hasWebhook := "no"
				if cfg.Instances[i].HasWebhook() {
					hasWebhook = "yes"
				}
				_, _ = fmt.Fprintf(out, "  - %s (webhook: %s)\n", cfg.Instances[i].PhoneNumber, hasWebhook)
			}
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (tag %s, commit %s, built %s)\n",
				m.Name, m.Version, m.Tag, m.Commit, m.BuildTime)
		},
	})
	return root
}

func (m *Main) loadConfig(v *viper.Viper) (*Config, error) {
	cfg, err := LoadConfig(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	cfg.applyOverrides(v.GetString("listen"), v.GetString("redis-url"))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *Main) serve(ctx context.Context, v *viper.Viper) error {
	cfg, err := m.loadConfig(v)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("%w: invalid logging config: %w", connector.ErrConfiguration, err)
	}
	log.Info().
		Str("name", m.Name).
		Str("version", m.Version).
		Str("commit", m.Commit).
		Msg("Initializing")

	if m.NewEngine == nil {
		return errors.New("no protocol engine configured")
	}
	engine, err := m.NewEngine(cfg, *log)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	gw, err := New(ctx, cfg, *log, Options{Engine: engine, QROutput: m.Stdout})
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		_ = gw.Stop()
		return err
	}
	waitErr := gw.Wait(ctx)
	log.Info().Msg("Shutting down")
	return errors.Join(waitErr, gw.Stop())
}
