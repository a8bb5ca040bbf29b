package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/auth"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/streaming"
)

const (
	outputText = "text"
	outputJSON = "json"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	server  string
	token   string
	output  string
	timeout time.Duration
}

func (o *globalOptions) client() *apiClient {
	return newAPIClient(o.server, o.token, o.timeout)
}

func (o *globalOptions) validate() error {
	switch o.output {
	case outputText, outputJSON:
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (want text or json)", o.output)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "researchctl",
		Short: "Control research tasks on a research orchestrator",
		Long: `researchctl starts, inspects and manages multi-agent research tasks
through the orchestrator's HTTP API.

The server address and token default to the RESEARCH_SERVER and
RESEARCH_TOKEN environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.validate()
		},
	}

	server := os.Getenv("RESEARCH_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "Orchestrator API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("RESEARCH_TOKEN"), "Bearer token for the API")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputText, "Output format: text or json")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Per-request timeout")

	root.AddCommand(
		newStartCmd(opts),
		newStatusCmd(opts),
		newResultCmd(opts),
		newCancelCmd(opts),
		newDeleteCmd(opts),
		newHistoryCmd(opts),
		newWatchCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

func newStartCmd(opts *globalOptions) *cobra.Command {
	var (
		subagents    int
		iterations   int
		wait         bool
		pollInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start <query>",
		Short: "Start a research task",
		Long: `Submit a research query. The task id is printed immediately unless
--wait is given, in which case the command polls until the task finishes
and prints its report.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := opts.client()
			resp, err := c.Start(ctx, startRequest{
				Query:         strings.Join(args, " "),
				MaxSubagents:  subagents,
				MaxIterations: iterations,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !wait {
				if opts.output == outputJSON {
					return printJSON(out, resp)
				}
				fmt.Fprintf(out, "Started research %s\n", resp.ResearchID)
				return nil
			}

			snap, err := waitForTerminal(ctx, c, resp.ResearchID, pollInterval)
			if err != nil {
				return err
			}
			if snap.Status != state.StatusCompleted {
				if opts.output == outputJSON {
					_ = printJSON(out, snap)
				} else {
					printSnapshot(out, snap)
				}
				return fmt.Errorf("research %s ended %s", snap.ResearchID, snap.Status)
			}
			res, err := c.Result(ctx, resp.ResearchID)
			if err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(out, res)
			}
			printResult(out, res)
			return nil
		},
	}
	cmd.Flags().IntVar(&subagents, "subagents", 0, "Maximum parallel search subagents (server default when 0)")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "Maximum search rounds (server default when 0)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the task to finish and print the report")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "Status polling interval with --wait")
	return cmd
}

// waitForTerminal polls the task status until it reaches a terminal state.
func waitForTerminal(ctx context.Context, c *apiClient, id string, interval time.Duration) (state.Snapshot, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := c.Status(ctx, id)
		if err != nil {
			return state.Snapshot{}, err
		}
		if snap.Status.IsTerminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <research-id>",
		Short: "Show task status and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := opts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newResultCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result <research-id>",
		Short: "Print the report of a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <research-id>",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			confirmed, err := opts.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"research_id": args[0],
					"confirmed":   confirmed,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <research-id>",
		Short: "Delete a finished task from history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"research_id": args[0],
					"deleted":     true,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		offset int
		status string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past research tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				if _, ok := state.ParseStatus(status); !ok {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			page, err := opts.client().History(cmd.Context(), limit, offset, status)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.output == outputJSON {
				return printJSON(out, page)
			}
			if len(page.Items) == 0 {
				fmt.Fprintln(out, "No research tasks found")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tSOURCES\tCREATED\tQUERY")
			for _, s := range page.Items {
				fmt.Fprintf(tw, "%s\t%s\t%d%%\t%d\t%s\t%s\n",
					s.ResearchID, s.Status, s.ProgressPercentage, s.SourcesCount,
					s.CreatedAt.Local().Format(time.DateTime), truncate(s.Query, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows to return (server default when 0)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	cmd.Flags().StringVar(&status, "status", "", "Only show tasks with this status")
	return cmd
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var types string
	cmd := &cobra.Command{
		Use:   "watch <research-id>",
		Short: "Follow a task's progress events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return opts.client().Watch(cmd.Context(), args[0], types, func(ev streaming.Event) error {
				if opts.output == outputJSON {
					b, err := json.Marshal(ev)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(out, string(b))
					return err
				}
				printEvent(out, ev)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&types, "types", "", "Comma-separated event types to show")
	return cmd
}

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var (
		secret   string
		issuer   string
		subject  string
		username string
		role     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API access token",
		Long: `Sign an access token with the server's shared JWT secret. Intended for
development and operator use; the secret must match auth.jwt_secret.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("RESEARCH_AUTH_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or RESEARCH_AUTH_JWT_SECRET is required")
			}
			switch role {
			case auth.RoleUser, auth.RoleViewer, auth.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			if username == "" {
				username = subject
			}
			token, err := auth.NewJWTManager(secret, issuer, ttl).GenerateToken(subject, username, role)
			if err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"access_token": token,
					"token_type":   "Bearer",
					"expires_in":   int(ttl.Seconds()),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "JWT signing secret")
	cmd.Flags().StringVar(&issuer, "issuer", auth.DefaultIssuer, "Token issuer")
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().StringVar(&username, "username", "", "Username claim (defaults to subject)")
	cmd.Flags().StringVar(&role, "role", auth.RoleUser, "Role: user, viewer or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSnapshot(w io.Writer, s state.Snapshot) {
	fmt.Fprintf(w, "Research %s\n", s.ResearchID)
	fmt.Fprintf(w, "  Query:    %s\n", s.Query)
	fmt.Fprintf(w, "  Status:   %s (%d%%)\n", s.Status, s.ProgressPercentage)
	if s.CurrentStage != "" {
		fmt.Fprintf(w, "  Stage:    %s\n", s.CurrentStage)
	}
	fmt.Fprintf(w, "  Elapsed:  %.1fs\n", s.ElapsedSeconds)
	if s.Error != "" {
		fmt.Fprintf(w, "  Error:    %s\n", s.Error)
	}
	if len(s.AgentActivities) > 0 {
		fmt.Fprintln(w, "  Agents:")
		for _, a := range s.AgentActivities {
			fmt.Fprintf(w, "    %-12s %-10s %s\n", a.AgentID, a.Status, truncate(a.TaskFragment, 60))
		}
	}
}

func printResult(w io.Writer, r state.Result) {
	fmt.Fprintln(w, strings.TrimSpace(r.Report))
	if len(r.Citations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Sources:")
		for _, c := range r.Citations {
			mark := ""
			if c.Verified {
				mark = " (verified)"
			}
			fmt.Fprintf(w, "  [%d] %s%s\n", c.Index, c.SourceURL, mark)
		}
	}
	fmt.Fprintf(w, "\n%d sources, %d tokens, %.1fs\n", len(r.SourcesUsed), r.TokensUsed, r.ExecutionTime)
}

func printEvent(w io.Writer, ev streaming.Event) {
	ts := ev.Timestamp.Local().Format(time.TimeOnly)
	if ev.AgentID != "" {
		fmt.Fprintf(w, "%s %-22s %-12s %s\n", ts, ev.Type, ev.AgentID, ev.Message)
		return
	}
	fmt.Fprintf(w, "%s %-22s %s\n", ts, ev.Type, ev.Message)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
