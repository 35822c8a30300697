package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/recall/pkg/logger"
	"github.com/dotsetgreg/recall/pkg/memory"
	"github.com/dotsetgreg/recall/pkg/retrieval"
	"github.com/dotsetgreg/recall/pkg/service"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

type globalFlags struct {
	configPath string
	userID     int64
	debug      bool
}

func buildRootCommand() *cobra.Command {
	var (
		flags       globalFlags
		showVersion bool
	)

	root := &cobra.Command{
		Use:   "recall",
		Short: "Three-tier conversational memory: dialog window, long-term store, shared knowledge base",
		Long: strings.TrimSpace(`recall manages assistant memory across three tiers.

The active dialog is an append-only context window with an advisory token
budget. Saved dialogs become searchable long-term memory records. Uploaded
documents form a shared knowledge base queried alongside personal memory.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.debug {
				logger.SetLevel(logger.DEBUG)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("%s %s\n", appName, formatVersion())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (default ~/.recall/config.json)")
	root.PersistentFlags().Int64VarP(&flags.userID, "user", "u", 1, "User ID to act as")
	root.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newDialogCommand(&flags))
	root.AddCommand(newSearchCommand(&flags))
	root.AddCommand(newIngestCommand(&flags))
	root.AddCommand(newKBCommand(&flags))
	root.AddCommand(newWipeCommand(&flags))
	root.AddCommand(newStatsCommand(&flags))
	root.AddCommand(newReplCommand(&flags))

	return root
}

// withService opens the service for one command invocation and closes it
// when the command returns.
func withService(flags *globalFlags, fn func(ctx context.Context, svc *service.Service) error) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	svc, err := service.New(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return fn(ctx, svc)
}

func newDialogCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dialog",
		Short: "Inspect and mutate the active dialog",
	}

	var role string
	appendCmd := &cobra.Command{
		Use:     "append <content>",
		Short:   "Append one message to the active dialog",
		Example: `  recall dialog append --role user "remind me about the deadline"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(flags, func(ctx context.Context, svc *service.Service) error {
				status, err := svc.AppendMessage(ctx, flags.userID, role, args[0], 0)
				if err != nil {
					return err
				}
				fmt.Printf("Appended. Dialog at %d/%d tokens.\n", status.TokenCount, status.Budget)
				if status.OverBudget {
					fmt.Println("Warning: the dialog exceeds its token budget. Consider saving it with 'recall dialog save'.")
				}
				return nil
			})
		},
	}
	appendCmd.Flags().StringVarP(&role, "role", "r", memory.RoleUser, "Message role (user, assistant, tool)")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the active dialog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(flags, func(ctx context.Context, svc *service.Service) error {
				dialog, err := svc.Snapshot(ctx, flags.userID)
				if err != nil {
					return err
				}
				if dialog.Empty() {
					fmt.Println("Active dialog is empty.")
					return nil
				}
				for _, msg := range dialog.Messages {
					fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04:05"), msg.Role, msg.Content)
				}
				fmt.Printf("\n%d messages, %d tokens.\n", len(dialog.Messages), dialog.TokenCount)
				return nil
			})
		},
	}

	saveCmd := &cobra.Command{
		Use:   "save",
		Short: "Archive the active dialog into long-term memory (asks for confirmation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(flags, func(ctx context.Context, svc *service.Service) error {
				return confirmFlow(flags.userID, svc, memory.ActionSaveDialog,
					"Save the current dialog to long-term memory and start a fresh one?",
					func() error {
						rec, err := svc.ConfirmSaveDialog(ctx, flags.userID)
						if err != nil {
							return err
						}
						fmt.Printf("Dialog saved as record %s.\n", rec.ID)
						return nil
					})
			})
		},
	}

	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Discard the active dialog without saving (asks for confirmation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(flags, func(ctx context.Context, svc *service.Service) error {
				return confirmFlow(flags.userID, svc, memory.ActionNewDialog,
					"Discard the current dialog without saving? This cannot be undone.",
					func() error {
						if err := svc.ConfirmNewDialog(ctx, flags.userID); err != nil {
							return err
						}
						fmt.Println("Started a fresh dialog.")
						return nil
					})
			})
		},
	}

	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "List saved memory records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(flags, func(ctx context.Context, svc *service.Service) error {
				records, err := svc.ListRecords(ctx, flags.userID, 20)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Println("No saved records.")
					return nil
				}
				for _, rec := range records {
					created := time.UnixMilli(rec.CreatedAtMS).Format("2006-01-02 15:04")
					fmt.Printf("%s  %s\n  %s\n", created, rec.ID, firstLine(rec.Summary))
				}
				return nil
			})
		},
	}

	cmd.AddCommand(appendCmd, showCmd, saveCmd, newCmd, recordsCmd)
	return cmd
}

func newSearchCommand(flags *globalFlags) *cobra.Command {
	var (
		scope    string
		document string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search long-term memory and the knowledge base",
		Example: strings.Join([]string{
			`  recall search "project deadlines"`,
			`  recall search --scope knowledge --document report.pdf "quarterly numbers"`,
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(flags, func(ctx context.Context, svc *service.Service) error {
				result, err := svc.Retrieve(ctx, retrieval.Query{
					Text:         args[0],
					UserID:       flags.userID,
					Scope:        retrieval.Scope(scope),
					DocumentName: document,
				})
				if err != nil {
					return err
				}
				if result.Warning != "" {
					fmt.Println("Warning:", result.Warning)
				}
				if len(result.Snippets) == 0 {
					fmt.Println("No results.")
					return nil
				}
				for i, sn := range result.Snippets {
					fmt.Printf("%d. [%.3f] %s (%s)\n   %s\n",
						i+1, sn.Score, sn.Source.SourceName, sn.Source.Origin, firstLine(sn.Content))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&scope, "scope", "s", string(retrieval.ScopeBoth), "Search scope (knowledge, memory, both)")
	cmd.Flags().StringVar(&document, "document", "", "Restrict knowledge results to one document name")
	return cmd
}

func newIngestCommand(flags *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:     "ingest <file>",
		Short:   "Parse and index one document into the knowledge base",
		Example: "  recall ingest notes.md",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			name := filepath.Base(args[0])
			return withService(flags, func(ctx context.Context, svc *service.Service) error {
				doc, err := svc.Ingest(ctx, flags.userID, name, format, data)
				if err != nil {
					return err
				}
				fmt.Printf("Ingested %s (%s): %d chunks.\n", doc.Name, doc.Format, doc.ChunkCount)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "Declared format overriding the file extension")
	return cmd
}

func newKBCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage the shared knowledge base",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List ingested documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(flags, func(ctx context.Context, svc *service.Service) error {
				docs, err := svc.ListDocuments(ctx)
				if err != nil {
					return err
				}
				if len(docs) == 0 {
					fmt.Println("Knowledge base is empty.")
					return nil
				}
				for _, d := range docs {
					uploaded := time.UnixMilli(d.UploadedAtMS).Format("2006-01-02 15:04")
					fmt.Printf("%s  %-30s %-6s %d chunks\n", uploaded, d.Name, d.Format, d.ChunkCount)
				}
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Wipe the whole knowledge base (asks for confirmation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(flags, func(ctx context.Context, svc *service.Service) error {
				return confirmFlow(flags.userID, svc, memory.ActionKnowledgeClear,
					"Delete every document and chunk in the knowledge base? This cannot be undone.",
					func() error {
						removed, err := svc.ConfirmKnowledgeClear(ctx, flags.userID)
						if err != nil {
							return err
						}
						fmt.Printf("Knowledge base cleared, %d chunks removed.\n", removed)
						return nil
					})
			})
		},
	}

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}

func newWipeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "wipe",
		Short: "Delete all memory for the user (asks for confirmation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(flags, func(ctx context.Context, svc *service.Service) error {
				return confirmFlow(flags.userID, svc, memory.ActionWipeAll,
					"Delete the active dialog, every saved record and all traces of this user? This cannot be undone.",
					func() error {
						if err := svc.ConfirmWipe(ctx, flags.userID); err != nil {
							return err
						}
						fmt.Println("All memory for this user has been deleted.")
						return nil
					})
			})
		},
	}
}

func newStatsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store contents summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(flags, func(ctx context.Context, svc *service.Service) error {
				ms, docs, chunks, err := svc.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Users: %d\nActive dialogs: %d\nMessages: %d\nMemory records: %d\nMemory chunks: %d\n",
					ms.Users, ms.ActiveDialogs, ms.Messages, ms.Records, ms.Chunks)
				fmt.Printf("Knowledge documents: %d\nKnowledge chunks: %d\n", docs, chunks)
				return nil
			})
		},
	}
}

// confirmFlow drives the request/confirm gate from a terminal prompt.
func confirmFlow(userID int64, svc *service.Service, action memory.Action, prompt string, apply func() error) error {
	svc.Request(userID, action)
	fmt.Println(prompt)
	fmt.Print("Type 'yes' to confirm: ")

	var answer string
	_, _ = fmt.Scanln(&answer)
	if strings.ToLower(strings.TrimSpace(answer)) != "yes" {
		svc.Cancel(userID)
		fmt.Println("Cancelled.")
		return nil
	}
	return apply()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > 120 {
		return string(runes[:120]) + "..."
	}
	return s
}
