package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/stankur/pipeline-processor/internal/app"
	"github.com/stankur/pipeline-processor/internal/domain"
)

type appFactory func(ctx context.Context) (*app.Application, error)

type cli struct {
	build appFactory
	app   *app.Application
}

// run executes one command line and always releases the application.
func run(ctx context.Context, build appFactory, args []string, out io.Writer) error {
	c := &cli{build: build}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(out)

	err := root.ExecuteContext(ctx)
	if closeErr := c.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipeline-processor",
		Short: "GitHub identity pipeline and feed ranking",
		Long: `pipeline-processor ingests GitHub identities through a step pipeline
(fetch, select, enrich, summarize) and ranks other identities' highlighted
repositories into a per-viewer feed.

Configuration is read from the YAML file named by PIPELINE_PROCESSOR_CONFIG
and overridden by environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			application, err := c.build(cmd.Context())
			if err != nil {
				return err
			}
			c.app = application
			return nil
		},
	}

	root.AddCommand(
		c.startCmd(),
		c.restartCmd(),
		c.restartFromCmd(),
		c.progressCmd(),
		c.ghostCmd(),
		c.loginCmd(),
		c.feedCmd(),
		c.clearExposureCmd(),
		c.deleteCmd(),
		c.purgeCmd(),
		c.serveCmd(),
	)
	return root
}

type stateOutput struct {
	Login string                `json:"login"`
	State domain.LifecycleState `json:"state"`
}

func (c *cli) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [login]",
		Short: "Start the pipeline for an identity; no-op when already running or done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := c.app.Orchestrator.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, stateOutput{Login: args[0], State: state})
		},
	}
}

func (c *cli) restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart [login]",
		Short: "Reset every step and run the pipeline again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := c.app.Orchestrator.Restart(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, stateOutput{Login: args[0], State: state})
		},
	}
}

func (c *cli) restartFromCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart-from [login] [step]",
		Short: "Reset a step and everything downstream of it, then run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := c.app.Orchestrator.RestartFrom(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return writeJSON(cmd, stateOutput{Login: args[0], State: state})
		},
	}
}

func (c *cli) progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress [login]",
		Short: "Show per-step status in pipeline order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			progress, err := c.app.Orchestrator.Progress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, progress)
		},
	}
}

func (c *cli) ghostCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "ghost [login]",
		Short: "Create a placeholder identity with a light prefetch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := c.app.Orchestrator.CreateGhost(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			return writeJSON(cmd, stateOutput{Login: args[0], State: state})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-ghost an existing idle identity")
	return cmd
}

func (c *cli) loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [login]",
		Short: "Record a login: activate a ghost or start a new identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, state, err := c.app.Orchestrator.Login(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, struct {
				stateOutput
				Outcome domain.LoginOutcome `json:"outcome"`
			}{stateOutput{Login: args[0], State: state}, outcome})
		},
	}
}

func (c *cli) feedCmd() *cobra.Command {
	var (
		limit int
		force bool
	)
	cmd := &cobra.Command{
		Use:   "feed [viewer]",
		Short: "Build or fetch the ranked feed for a viewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := c.app.Feeds.Build(cmd.Context(), args[0], limit, force)
			if err != nil {
				return err
			}
			return writeJSON(cmd, items)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of items (default from config)")
	cmd.Flags().BoolVar(&force, "force", false, "re-rank instead of serving the cached feed")
	return cmd
}

func (c *cli) clearExposureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-exposure [viewer]",
		Short: "Forget which candidates a viewer has been shown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Exposure.Clear(cmd.Context(), args[0]); err != nil {
				return err
			}
			return writeJSON(cmd, map[string]string{"viewer": args[0], "status": "ok"})
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [login]",
		Short: "Remove an identity and everything derived from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Orchestrator.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			return writeJSON(cmd, map[string]string{"login": args[0], "status": "deleted"})
		},
	}
}

func (c *cli) purgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge-judgments",
		Short: "Delete cached relevance judgments older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			n, err := c.app.Judgments.Purge(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]int64{"purged": n})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age threshold")
	return cmd
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Rebuild feeds on the configured interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Serve(cmd.Context())
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
