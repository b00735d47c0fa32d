// cli wires the command tree. Each command builds only the pieces it needs;
// AWS clients are never constructed for commands that don't talk to AWS.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deckhand-dev/deckhand/internal/config"
	"github.com/deckhand-dev/deckhand/internal/deploy"
	"github.com/deckhand-dev/deckhand/internal/docker"
	"github.com/deckhand-dev/deckhand/internal/host"
	"github.com/deckhand-dev/deckhand/internal/journal"
	"github.com/deckhand-dev/deckhand/internal/log"
	"github.com/deckhand-dev/deckhand/internal/o11y"
	"github.com/deckhand-dev/deckhand/internal/registry"
	"github.com/deckhand-dev/deckhand/internal/secrets"
	"github.com/deckhand-dev/deckhand/internal/stack"
)

// Version is stamped at build time via -ldflags.
var Version = "devel"

var (
	configPath   string
	logLevel     string
	logFile      string
	region       string
	journalPath  string
	manifestPath string

	// Loaded config, populated by the root PersistentPreRunE.
	appConfig *config.Config
)

func New() *cobra.Command {
	root := &cobra.Command{
		Use:           "deckhand",
		Short:         "Deploy container stacks to the host you're standing on",
		Long:          `Deckhand deploys a manifest of container services onto the local docker engine: it authenticates to ECR, resolves secrets into container environments, health-gates startup, validates the result, and rolls back to the last good revision when a deploy fails.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Flags beat config file and env.
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFile != "" {
				cfg.LogFile = logFile
			}
			if region != "" {
				cfg.Region = region
			}
			if journalPath != "" {
				cfg.JournalPath = journalPath
			}
			if manifestPath != "" {
				cfg.Manifest = manifestPath
			}

			level, err := cfg.SlogLevel()
			if err != nil {
				return err
			}

			ctx, cleanup, err := log.Setup(cmd.Context(), level, cfg.LogFile)
			if err != nil {
				return err
			}
			cobra.OnFinalize(cleanup)

			if err := o11y.SetupTracing(ctx); err != nil {
				return err
			}

			appConfig = cfg
			cmd.SetContext(ctx)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file path (default ~/.config/deckhand/config.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFile, "log-file", "", "Tee JSON logs to this file")
	pf.StringVar(&region, "region", "", "AWS region (default: instance metadata)")
	pf.StringVar(&journalPath, "journal", "", "Deployment journal path (default "+journal.DefaultPath+")")

	root.AddCommand(deployCmd())
	root.AddCommand(rollbackCmd())
	root.AddCommand(teardownCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(publishCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(secretsCmd())
	root.AddCommand(versionCmd())

	return root
}

// engine assembles the full deployment engine: host identity, AWS config,
// ECR-aware keychain, docker client and journal.
func engine(ctx context.Context) (*deploy.Engine, error) {
	identity := host.Discover(ctx)

	awsCfg, err := host.AWSConfig(ctx, appConfig.Region, identity)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	keychain := registry.NewKeychain(ctx, awsCfg)

	cli, err := docker.New(docker.WithKeychain(keychain))
	if err != nil {
		return nil, err
	}

	j, err := journal.NewBolt(appConfig.JournalPath)
	if err != nil {
		return nil, err
	}

	return &deploy.Engine{
		Docker:   cli,
		Secrets:  secrets.NewResolver(secrets.NewSecretsManager(awsCfg), secrets.NewEnv()),
		Journal:  j,
		Identity: identity,

		PullConcurrency: appConfig.PullConcurrency,
	}, nil
}

func loadManifest(path string) (*stack.Manifest, error) {
	if path == "" {
		path = appConfig.Manifest
	}
	return stack.Load(path)
}
