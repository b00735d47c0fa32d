package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckhand-dev/deckhand/internal/docker"
	"github.com/deckhand-dev/deckhand/internal/host"
	"github.com/deckhand-dev/deckhand/internal/publish"
	"github.com/deckhand-dev/deckhand/internal/registry"
	"github.com/deckhand-dev/deckhand/internal/secrets"
)

func deployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the manifest's stack to the local docker engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}

			e, err := engine(ctx)
			if err != nil {
				return err
			}

			result, err := e.Deploy(ctx, m)
			if result != nil && result.RolledBack {
				fmt.Fprintf(cmd.OutOrStdout(), "deploy failed, rolled back to images of revision %s\n", result.RolledBackTo)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deployed %s revision %s\n", m.Stack, result.Revision)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "", "Manifest path (default deckhand.yaml)")
	return cmd
}

func rollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Redeploy the last succeeded revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}

			e, err := engine(ctx)
			if err != nil {
				return err
			}

			result, err := e.Rollback(ctx, m)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s to images of revision %s (new revision %s)\n",
				m.Stack, result.RolledBackTo, result.Revision)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "", "Manifest path (default deckhand.yaml)")
	return cmd
}

func teardownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teardown [stack]",
		Short: "Stop and remove everything the stack deployed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			stackName, err := resolveStackName(args)
			if err != nil {
				return err
			}

			e, err := engine(ctx)
			if err != nil {
				return err
			}

			if err := e.Teardown(ctx, stackName); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stack %s torn down\n", stackName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "", "Manifest path (default deckhand.yaml)")
	return cmd
}

func statusCmd() *cobra.Command {
	var historyLimit int

	cmd := &cobra.Command{
		Use:   "status [stack]",
		Short: "Show journal history and live containers for the stack",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			stackName, err := resolveStackName(args)
			if err != nil {
				return err
			}

			e, err := engine(ctx)
			if err != nil {
				return err
			}

			report, err := e.Status(ctx, stackName, historyLimit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if report.Latest == nil {
				fmt.Fprintf(w, "stack %s has never been deployed\n", stackName)
			} else {
				fmt.Fprintf(w, "stack %s: revision %s (%s)\n", stackName, report.Latest.Revision, report.Latest.Status)
			}

			if len(report.History) > 0 {
				fmt.Fprintln(w)
				tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
				fmt.Fprintln(tw, "REVISION\tSTATUS\tSTARTED\tERROR")
				for _, d := range report.History {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
						d.Revision, d.Status, d.StartedAt.Format(time.RFC3339), d.Error)
				}
				tw.Flush()
			}

			if len(report.Containers) > 0 {
				fmt.Fprintln(w)
				tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
				fmt.Fprintln(tw, "SERVICE\tIMAGE\tSTATE\tSTATUS")
				for _, c := range report.Containers {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
						c.Labels[docker.LabelService], c.Image, c.State, c.Status)
				}
				tw.Flush()
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "", "Manifest path (default deckhand.yaml)")
	cmd.Flags().IntVar(&historyLimit, "history", 5, "Number of journal entries to show")
	return cmd
}

func publishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish SOURCE TARGET",
		Short: "Tag and push a local image, verifying the registry serves it back",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			identity := host.Discover(ctx)
			awsCfg, err := host.AWSConfig(ctx, appConfig.Region, identity)
			if err != nil {
				return fmt.Errorf("loading AWS config: %w", err)
			}

			keychain := registry.NewKeychain(ctx, awsCfg)
			cli, err := docker.New(docker.WithKeychain(keychain))
			if err != nil {
				return err
			}

			p := &publish.Publisher{Docker: cli, Keychain: keychain}
			result, err := p.Publish(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s@%s\n", result.Ref.Context().Name(), result.Digest)
			return nil
		},
	}

	return cmd
}

func loginCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "login REGISTRY...",
		Short: "Resolve registry credentials and write them to a docker config",
		Long:  `Login resolves credentials for the given registry hosts (ECR hosts get fresh tokens) and writes them to a docker config file, so plain docker commands work between deploys.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			identity := host.Discover(ctx)
			awsCfg, err := host.AWSConfig(ctx, appConfig.Region, identity)
			if err != nil {
				return fmt.Errorf("loading AWS config: %w", err)
			}

			keychain := registry.NewKeychain(ctx, awsCfg)
			cfg, err := keychain.DockerConfig(args...)
			if err != nil {
				return err
			}

			path := output
			if path == "" {
				path, err = registry.DefaultDockerConfigPath()
				if err != nil {
					return err
				}
			}

			if err := cfg.Write(path); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote credentials for %s to %s\n", strings.Join(args, ", "), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Docker config path (default ~/.docker/config.json)")
	return cmd
}

func secretsCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "secrets",
		Short: "Inspect secret references used by manifests",
	}

	var reveal bool
	render := &cobra.Command{
		Use:   "render REF",
		Short: "Resolve a secret reference and print its keys",
		Long:  `Render resolves a secret reference the way a deploy would and prints the resulting environment. Values are masked unless --reveal is set.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			identity := host.Discover(ctx)
			awsCfg, err := host.AWSConfig(ctx, appConfig.Region, identity)
			if err != nil {
				return fmt.Errorf("loading AWS config: %w", err)
			}

			resolver := secrets.NewResolver(secrets.NewSecretsManager(awsCfg), secrets.NewEnv())
			values, err := resolver.Fetch(ctx, args[0])
			if err != nil {
				return err
			}

			keys := secrets.Keys(values)
			for _, k := range keys {
				if reveal {
					fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, values[k])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s=***\n", k)
				}
			}
			return nil
		},
	}
	render.Flags().BoolVar(&reveal, "reveal", false, "Print secret values instead of masking them")

	root.AddCommand(render)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the deckhand version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

// resolveStackName takes the stack from the positional argument when given,
// falling back to the manifest.
func resolveStackName(args []string) (string, error) {
	if len(args) == 1 && args[0] != "" {
		return args[0], nil
	}

	m, err := loadManifest(manifestPath)
	if err != nil {
		return "", fmt.Errorf("no stack named and manifest not loadable: %w", err)
	}
	return m.Stack, nil
}
