package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kml-sh/kml/internal/catalog"
	"github.com/kml-sh/kml/internal/config"
	"github.com/kml-sh/kml/internal/session"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"s"},
	Short:   "Manage coding sessions",
	Long:    `Create, prompt, list, and delete coding sessions.`,
}

var sessionNewCmd = &cobra.Command{
	Use:   "new <slug> [prompt]",
	Short: "Create a session and optionally send a first prompt",
	Long: `Provision a new session: a sandbox from the base snapshot, the project
repository, its processes, and (with Cloudflare configured) a tokenized
public URL. With a prompt argument the first conversation starts
immediately.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slug := args[0]
		if !slugPattern.MatchString(slug) {
			return fmt.Errorf("invalid slug %q: use lowercase letters, digits, and hyphens", slug)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		cat := newCatalog()
		rec, err := cat.Create(slug)
		if err != nil {
			return err
		}

		sc := newSessionConfig(cfg, rec)
		// Persist identifiers the moment they exist so a failed start can
		// still be cleaned up later.
		sc.Events = session.Events{
			SandboxCreated: func(id string) {
				if err := cat.Update(slug, map[string]interface{}{"sandbox_id": id}); err != nil {
					fmt.Printf("warning: record sandbox id: %v\n", err)
				}
			},
			TunnelCreated: func(id, token string) {
				if err := cat.Update(slug, map[string]interface{}{"tunnel_id": id, "tunnel_token": token}); err != nil {
					fmt.Printf("warning: record tunnel: %v\n", err)
				}
			},
		}
		s := session.New(sc)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		if err := s.Start(ctx); err != nil {
			var instErr *session.InstallError
			if errors.As(err, &instErr) {
				return fmt.Errorf("session %s provisioned but install failed, delete it with \"kml session delete %s\": %w", slug, slug, err)
			}
			return fmt.Errorf("failed to start session: %w", err)
		}

		fmt.Printf("✓ Session %s ready\n", slug)
		if url := s.URL(); url != "" {
			fmt.Printf("  URL: %s\n", url)
		}

		if len(args) == 2 {
			return runPrompt(cat, s, slug, args[1], false, "")
		}
		return nil
	},
}

var sessionPromptCmd = &cobra.Command{
	Use:   "prompt <slug> <prompt>",
	Short: "Send a prompt to a session",
	Long: `Send a prompt to the coding assistant inside the session's sandbox.
By default the latest conversation is resumed; --new starts a fresh one.
JSON event lines stream to stdout as the assistant works.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slug, prompt := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		cat := newCatalog()
		rec := cat.Find(slug)
		if rec == nil {
			return fmt.Errorf("session %s not found", slug)
		}

		s := session.New(newSessionConfig(cfg, rec))

		fresh, _ := cmd.Flags().GetBool("new")
		resumeID, _ := cmd.Flags().GetString("resume")
		resume := resumeID != ""
		if !resume && !fresh {
			if convs := rec.Conversations(); len(convs) > 0 {
				resume = true
				resumeID = convs[len(convs)-1].UUID
			}
		}
		return runPrompt(cat, s, slug, prompt, resume, resumeID)
	},
}

// runPrompt records the conversation durably, then streams the exchange.
// New conversations mint their UUID here so the catalog entry exists even
// if the stream dies mid-flight.
func runPrompt(cat *catalog.Catalog, s *session.Session, slug, prompt string, resume bool, conversationID string) error {
	if resume {
		if err := cat.UpdateConversation(slug, conversationID, prompt); err != nil {
			return fmt.Errorf("record conversation: %w", err)
		}
	} else {
		conversationID = uuid.NewString()
		if err := cat.AddConversation(slug, conversationID, prompt); err != nil {
			return fmt.Errorf("record conversation: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	_, err := s.Run(ctx, prompt, resume, conversationID, func(line string) {
		fmt.Println(line)
	})
	return err
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		records := recordList(newCatalog().All())
		if len(records) == 0 {
			fmt.Println("No sessions found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SLUG\tCREATED\tSANDBOX\tCONVERSATIONS\tURL")
		for _, rec := range records {
			s := session.New(newSessionConfig(cfg, rec))
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				rec.Slug(), rec.CreatedAt(), rec.SandboxID(), len(rec.Conversations()), s.URL())
		}
		w.Flush()

		return nil
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <slug>",
	Short: "Stop a session's sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slug := args[0]
		cfg, rec, err := findSession(slug)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := session.New(newSessionConfig(cfg, rec)).Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop session: %w", err)
		}

		fmt.Printf("✓ Session %s stopped\n", slug)
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:     "delete <slug>",
	Aliases: []string{"rm"},
	Short:   "Delete a session and all its remote resources",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slug := args[0]
		cfg, rec, err := findSession(slug)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := session.New(newSessionConfig(cfg, rec)).Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		if err := newCatalog().Delete(slug); err != nil {
			return fmt.Errorf("failed to drop catalog record: %w", err)
		}

		fmt.Printf("✓ Session %s deleted\n", slug)
		return nil
	},
}

var sessionPsCmd = &cobra.Command{
	Use:   "ps <slug>",
	Short: "Show the session's process statuses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, rec, err := findSession(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		statuses, err := session.New(newSessionConfig(cfg, rec)).ProcessStatuses(ctx)
		if err != nil {
			return fmt.Errorf("failed to get process statuses: %w", err)
		}
		if len(statuses) == 0 {
			fmt.Println("No processes found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS")
		for _, st := range statuses {
			fmt.Fprintf(w, "%s\t%s\n", st.Name, st.Status)
		}
		w.Flush()

		return nil
	},
}

var sessionRestartCmd = &cobra.Command{
	Use:   "restart <slug> <process>",
	Short: "Restart one of the session's processes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slug, process := args[0], args[1]
		cfg, rec, err := findSession(slug)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := session.New(newSessionConfig(cfg, rec)).RestartProcess(ctx, process); err != nil {
			return fmt.Errorf("failed to restart %s: %w", process, err)
		}

		fmt.Printf("✓ Process %s restarted\n", process)
		return nil
	},
}

var sessionLogsCmd = &cobra.Command{
	Use:   "logs <slug> <process>",
	Short: "Show a session process's logs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slug, process := args[0], args[1]
		cfg, rec, err := findSession(slug)
		if err != nil {
			return err
		}

		lines, _ := cmd.Flags().GetInt("lines")
		follow, _ := cmd.Flags().GetBool("follow")

		ctx := context.Background()
		if !follow {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, 60*time.Second)
			defer cancel()
		}

		s := session.New(newSessionConfig(cfg, rec))
		return s.ProcessLogs(ctx, process, lines, follow, func(chunk []byte) {
			os.Stdout.Write(chunk)
		})
	},
}

func findSession(slug string) (*config.Config, catalog.Record, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	rec := newCatalog().Find(slug)
	if rec == nil {
		return nil, nil, fmt.Errorf("session %s not found", slug)
	}
	return cfg, rec, nil
}

func recordList(all map[string]catalog.Record) []catalog.Record {
	slugs := make([]string, 0, len(all))
	for slug := range all {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	out := make([]catalog.Record, 0, len(all))
	for _, slug := range slugs {
		out = append(out, all[slug])
	}
	return out
}

func init() {
	rootCmd.AddCommand(sessionCmd)

	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionPromptCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionPsCmd)
	sessionCmd.AddCommand(sessionRestartCmd)
	sessionCmd.AddCommand(sessionLogsCmd)

	sessionPromptCmd.Flags().Bool("new", false, "Start a fresh conversation instead of resuming")
	sessionPromptCmd.Flags().StringP("resume", "r", "", "Resume a specific conversation UUID")
	sessionLogsCmd.Flags().Int("lines", 100, "Number of log lines to show")
	sessionLogsCmd.Flags().BoolP("follow", "f", false, "Stream live process output")
}
