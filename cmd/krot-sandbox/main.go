// Command krot-sandbox runs a rotating signing key set behind an HTTP
// endpoint and an interactive menu for issuing and checking tokens.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhaori96/krot/v2"
	"github.com/zhaori96/krot/v2/internal/activation"
	"github.com/zhaori96/krot/v2/internal/config"
	"github.com/zhaori96/krot/v2/internal/console"
	"github.com/zhaori96/krot/v2/internal/logger"
	"github.com/zhaori96/krot/v2/internal/metrics"
	"github.com/zhaori96/krot/v2/internal/server"
	"github.com/zhaori96/krot/v2/jwks"
	"github.com/zhaori96/krot/v2/token"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if krot.IsFatal(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	logLevel   string

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "krot-sandbox",
		Short:         "Rotating RSA signing keys with a key-set endpoint and token tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("KROT_CONFIG"), "YAML configuration file (env KROT_CONFIG)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", ".env file loaded before the configuration")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug|info|warn|error, overrides the configuration")

	root.AddCommand(
		newServeCommand(opts),
		newConsoleCommand(opts),
		newJWKSCommand(opts),
		newVersionCommand(),
	)

	return root
}

func (o *options) load() error {
	if err := config.LoadEnvFile(o.envFile); err != nil {
		return fmt.Errorf("loading %s: %w", o.envFile, err)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.App.LogLevel = o.logLevel
	}
	o.cfg = cfg

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.App.LogLevel,
		ServiceName: cfg.App.Name,
		Version:     version,
	})
	return nil
}

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Rotate keys on schedule and publish the key set over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := newSandbox(opts.cfg)
			if err != nil {
				return err
			}
			return s.run(ctx, nil)
		},
	}
}

func newConsoleCommand(opts *options) *cobra.Command {
	var noServer bool

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run the interactive menu next to the HTTP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := newSandbox(opts.cfg)
			if err != nil {
				return err
			}
			if noServer {
				s.server = nil
			}

			c := console.New(console.Options{
				In:      cmd.InOrStdin(),
				Out:     cmd.OutOrStdout(),
				Rotator: s.rotator,
				Codec:   s.codec,
				Fetcher: jwks.NewFetcher(jwks.FetcherOptions{
					Timeout:  opts.cfg.JWKS.FetchTimeout,
					CacheTTL: opts.cfg.JWKS.CacheTTL,
					Logger:   logger.Named("fetcher"),
				}),
				Parser:    activation.NewParser(opts.cfg.Activation.ProductionDomain, opts.cfg.Activation.QADomain),
				Tokens:    tokenSettings(opts.cfg),
				KeySetURL: opts.cfg.JWKS.URL,
				Logger:    logger.Named("console"),
			})
			return s.run(ctx, c)
		},
	}

	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the HTTP endpoint")
	return cmd
}

func newJWKSCommand(opts *options) *cobra.Command {
	var rotations int

	cmd := &cobra.Command{
		Use:   "jwks",
		Short: "Print a freshly generated key set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rotator, err := newRotator(opts.cfg)
			if err != nil {
				return err
			}

			for rangeIdx := 0; rangeIdx < rotations; rangeIdx++ {
				if err := rotator.Rotate(); err != nil {
					return err
				}
			}

			data, err := rotator.KeySetJSON()
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}

	cmd.Flags().IntVar(&rotations, "rotations", 0, "forced rotations to apply before printing")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "krot-sandbox", version)
		},
	}
}

func newRotator(cfg *config.Config) (*krot.Rotator, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	return krot.New(&krot.RotatorSettings{
		Policy:  policy,
		KeySize: krot.KeySize(cfg.Rotation.KeySize),
		Logger:  logger.Named("rotator"),
	})
}

func tokenSettings(cfg *config.Config) console.TokenSettings {
	return console.TokenSettings{
		Issuer:             cfg.Tokens.Issuer,
		ActivationAudience: cfg.Tokens.ActivationAudience,
		GetAudience:        cfg.Tokens.GetAudience,
		SetAudience:        cfg.Tokens.SetAudience,
		ActivationShortTTL: cfg.Tokens.ActivationShortTTL,
		ActivationLongTTL:  cfg.Tokens.ActivationLongTTL,
		EntitlementTTL:     cfg.Tokens.EntitlementTTL,
	}
}

// sandbox owns the rotator for the life of the process.
type sandbox struct {
	cfg     *config.Config
	rotator *krot.Rotator
	codec   *token.Codec
	server  *server.Server
	logger  *zap.Logger
}

func newSandbox(cfg *config.Config) (*sandbox, error) {
	log := logger.Named("sandbox")

	rotator, err := newRotator(cfg)
	if err != nil {
		return nil, err
	}

	m, err := metrics.New(nil)
	if err != nil {
		return nil, err
	}
	if err := m.Instrument(rotator); err != nil {
		return nil, err
	}

	codec := token.NewCodec(rotator, logger.Named("codec"))
	m.InstrumentCodec(codec)

	policy := rotator.Policy()
	log.Info("rotator ready",
		logger.KeyID(rotator.SigningKey().ID),
		zap.String("profile", cfg.Rotation.Profile),
		zap.Duration("time_to_promotion", policy.TimeToPromotion),
		zap.Duration("time_as_primary", policy.TimeAsPrimary),
		zap.Duration("time_as_retained", policy.TimeAsRetained),
	)

	return &sandbox{
		cfg:     cfg,
		rotator: rotator,
		codec:   codec,
		server: server.New(server.Options{
			Rotator: rotator,
			Metrics: m,
			Logger:  logger.Named("http"),
		}),
		logger: log,
	}, nil
}

// run starts the scheduler and, when set, the HTTP server and the console.
// Leaving the console ends the run like a signal does.
func (s *sandbox) run(ctx context.Context, c *console.Console) error {
	if err := s.rotator.Start(ctx); err != nil {
		return err
	}
	defer s.rotator.Stop()

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.server != nil {
		g.Go(func() error {
			return s.server.Run(ctx, server.Config{
				Addr:            s.cfg.Server.Addr,
				ReadTimeout:     s.cfg.Server.ReadTimeout,
				WriteTimeout:    s.cfg.Server.WriteTimeout,
				ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
			})
		})
	}

	// The console blocks on its input, so shutdown does not wait for it.
	if c != nil {
		go func() {
			defer cancel()
			if err := c.Run(ctx); err != nil {
				s.logger.Error("console failed", logger.Err(err))
			}
		}()
	}

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
