package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/ado-asana-sync/config"
	"github.com/wesm/ado-asana-sync/internal/identity"
)

var Version = "dev"

func main() {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "ado-asana-sync",
		Short:         "Keep Asana tasks in step with Azure DevOps work items and pull request reviews",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file loaded before reading the environment")

	rootCmd.AddCommand(runCmd(&envFile))
	rootCmd.AddCommand(onceCmd(&envFile))
	rootCmd.AddCommand(validateUsersCmd(&envFile))
	rootCmd.AddCommand(initCmd(&envFile))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync all configured projects every SLEEP_TIME seconds until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer a.Close()

			syncer, err := a.syncer(cmd.Context())
			if err != nil {
				return err
			}

			slog.Info("Starting poll loop", "interval", a.cfg.PollInterval, "projects", len(a.cfg.Projects))
			err = syncer.Run(cmd.Context(), a.cfg.PollInterval)
			if errors.Is(err, context.Canceled) {
				slog.Info("Shutting down")
				return nil
			}
			return err
		},
	}
}

func onceCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Sync all configured projects once and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer a.Close()

			syncer, err := a.syncer(cmd.Context())
			if err != nil {
				return err
			}

			summary := syncer.RunOnce(cmd.Context())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tCREATED\tUPDATED\tSKIPPED\tERRORED\tREMOVED\tLAST SYNC\tSTATUS")
			for _, p := range summary.Projects {
				status := "ok"
				if p.Err != nil {
					status = p.Err.Error()
				}
				last := "never"
				if ts, err := a.db.GetLastSyncTime(p.Project); err == nil && !ts.IsZero() {
					last = ts.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
					p.Project, p.Created, p.Updated, p.Skipped, p.Errored, p.Removed, last, status)
			}
			w.Flush()

			items, err := a.db.TaskMappings()
			if err != nil {
				return err
			}
			reviewers, err := a.db.ReviewerMappings()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nTracking %d work items and %d reviewer tasks (took %s)\n",
				len(items), len(reviewers), summary.Finished.Sub(summary.Started).Round(time.Millisecond))

			if failed := summary.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d of %d projects failed", len(failed), len(summary.Projects))
			}
			return nil
		},
	}
}

func validateUsersCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-users",
		Short: "List Asana users whose email is missing or shared, which breaks assignee matching",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			workspace, err := a.asana.WorkspaceGID(cmd.Context(), cfg.AsanaWorkspaceName)
			if err != nil {
				return err
			}
			users, err := a.asana.ListUsers(cmd.Context(), workspace)
			if err != nil {
				return err
			}

			issues := identity.Audit(users)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checked %d users in workspace %s\n", len(users), cfg.AsanaWorkspaceName)
			if len(issues) == 0 {
				fmt.Fprintln(out, "All users have a unique email address")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "GID\tNAME\tPROBLEM")
			for _, issue := range issues {
				fmt.Fprintf(w, "%s\t%s\t%s\n", issue.User.GID, issue.User.Name, issue.Reason)
			}
			w.Flush()
			return fmt.Errorf("%d users cannot be matched reliably", len(issues))
		},
	}
}

func initCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create an example projects file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}

			written, err := config.CreateDefaultProjects(cfg.ProjectsFile)
			if err != nil {
				return fmt.Errorf("failed to create default projects file: %w", err)
			}
			if written {
				fmt.Fprintf(cmd.OutOrStdout(), "Created example projects file at %s\n", cfg.ProjectsFile)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Projects file %s already exists, left untouched\n", cfg.ProjectsFile)
			}
			return nil
		},
	}
}
