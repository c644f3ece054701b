package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	infosentry "github.com/dida1024/infoSentry"
	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/replay"
)

type opener func() (*infosentry.App, error)

func newServeCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint, scheduler and delivery dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := open()
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}

func newMigrateCmd(open opener, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app, err := open()
			if err != nil {
				return err
			}
			app.Close()
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newReplayCmd(open opener) *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "replay <run_id>",
		Short: "Re-execute a recorded run and print the diff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("run_id must be a UUID: %w", err)
			}
			app, err := open()
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Replay(cmd.Context(), runID, policy)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&policy, "policy", replay.PolicySnapshot, "policy to replay under: snapshot or current")
	return cmd
}

func newBudgetCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show today's budget usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := open()
			if err != nil {
				return err
			}
			defer app.Close()
			return printBudget(cmd, app)
		},
	}
	toggle := func(use, short string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:       use + " <enrichment|judgment>",
			Short:     short,
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{string(model.CallEnrichment), string(model.CallJudgment)},
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := model.ParseCallClass(args[0]); err != nil {
					return err
				}
				app, err := open()
				if err != nil {
					return err
				}
				defer app.Close()

				if err := app.SetBudgetEnabled(cmd.Context(), args[0], enabled); err != nil {
					return err
				}
				return printBudget(cmd, app)
			},
		}
	}
	cmd.AddCommand(
		toggle("disable", "Disable a call class for the rest of the day", false),
		toggle("enable", "Re-enable a call class disabled today", true),
	)
	return cmd
}

func newTickCmd(open opener) *cobra.Command {
	var window string
	var digest bool
	cmd := &cobra.Command{
		Use:   "tick <goal_id>",
		Short: "Run a batch window or digest tick for one goal now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if digest == (window != "") {
				return errors.New("exactly one of --window or --digest is required")
			}
			app, err := open()
			if err != nil {
				return err
			}
			defer app.Close()

			var run model.Run
			if digest {
				run, err = app.RunDigest(cmd.Context(), args[0])
			} else {
				run, err = app.RunBatchWindow(cmd.Context(), args[0], window)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().StringVar(&window, "window", "", "batch window time (HH:MM, UTC)")
	cmd.Flags().BoolVar(&digest, "digest", false, "run the daily digest")
	return cmd
}

func printBudget(cmd *cobra.Command, app *infosentry.App) error {
	report, err := app.Budget(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
