package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/recall/pkg/memory"
	"github.com/dotsetgreg/recall/pkg/retrieval"
	"github.com/dotsetgreg/recall/pkg/service"
)

func newReplCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive session: type messages, use /commands for memory operations",
		Long: strings.TrimSpace(`Interactive console over one user's memory.

Plain input appends a user message to the active dialog. Commands:
  /show            print the active dialog
  /save            archive the dialog to long-term memory
  /new             discard the dialog without saving
  /wipe            delete all memory for this user
  /search <query>  search memory and the knowledge base
  /ingest <file>   index a document into the knowledge base
  /kb              list knowledge documents
  /clear-kb        wipe the knowledge base
  /yes, /no        confirm or cancel a pending destructive command
  /quit            exit`),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(flags, func(ctx context.Context, svc *service.Service) error {
				return runRepl(ctx, svc, flags.userID)
			})
		},
	}
}

func runRepl(ctx context.Context, svc *service.Service, userID int64) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "recall> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".recall_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Connected. Type /quit to exit, plain text to append to the dialog.")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("Goodbye.")
				return nil
			}
			fmt.Printf("Read error: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			fmt.Println("Goodbye.")
			return nil
		}

		if strings.HasPrefix(input, "/") {
			if err := handleReplCommand(ctx, svc, userID, input); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
			continue
		}

		status, err := svc.AppendMessage(ctx, userID, memory.RoleUser, input, 0)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		if status.OverBudget {
			fmt.Printf("Note: dialog is at %d tokens, over the %d budget. /save archives it.\n",
				status.TokenCount, status.Budget)
		}
	}
}

func handleReplCommand(ctx context.Context, svc *service.Service, userID int64, input string) error {
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/show":
		dialog, err := svc.Snapshot(ctx, userID)
		if err != nil {
			return err
		}
		if dialog.Empty() {
			fmt.Println("Active dialog is empty.")
			return nil
		}
		for _, msg := range dialog.Messages {
			fmt.Printf("%s: %s\n", msg.Role, msg.Content)
		}
		fmt.Printf("(%d messages, %d tokens)\n", len(dialog.Messages), dialog.TokenCount)
		return nil

	case "/save":
		svc.Request(userID, memory.ActionSaveDialog)
		fmt.Println("Save the current dialog and start a fresh one? /yes to confirm, /no to cancel.")
		return nil

	case "/new":
		svc.Request(userID, memory.ActionNewDialog)
		fmt.Println("Discard the current dialog without saving? /yes to confirm, /no to cancel.")
		return nil

	case "/wipe":
		svc.Request(userID, memory.ActionWipeAll)
		fmt.Println("Delete ALL memory for this user? /yes to confirm, /no to cancel.")
		return nil

	case "/clear-kb":
		svc.Request(userID, memory.ActionKnowledgeClear)
		fmt.Println("Wipe the whole knowledge base? /yes to confirm, /no to cancel.")
		return nil

	case "/yes":
		return applyPending(ctx, svc, userID)

	case "/no":
		svc.Cancel(userID)
		fmt.Println("Cancelled.")
		return nil

	case "/search":
		if rest == "" {
			return fmt.Errorf("usage: /search <query>")
		}
		result, err := svc.Retrieve(ctx, retrieval.Query{
			Text:   rest,
			UserID: userID,
			Scope:  retrieval.ScopeBoth,
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
			fmt.Printf("%d. [%.3f] %s: %s\n", i+1, sn.Score, sn.Source.SourceName, firstLine(sn.Content))
		}
		return nil

	case "/ingest":
		if rest == "" {
			return fmt.Errorf("usage: /ingest <file>")
		}
		data, err := os.ReadFile(rest)
		if err != nil {
			return err
		}
		doc, err := svc.Ingest(ctx, userID, filepath.Base(rest), "", data)
		if err != nil {
			return err
		}
		fmt.Printf("Ingested %s (%s): %d chunks.\n", doc.Name, doc.Format, doc.ChunkCount)
		return nil

	case "/kb":
		docs, err := svc.ListDocuments(ctx)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("Knowledge base is empty.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%-30s %-6s %d chunks\n", d.Name, d.Format, d.ChunkCount)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

// applyPending routes /yes to whichever action is pending for the user.
func applyPending(ctx context.Context, svc *service.Service, userID int64) error {
	action, ok := svc.Pending(userID)
	if !ok {
		return fmt.Errorf("nothing to confirm: %w", memory.ErrConfirmationRequired)
	}

	switch action {
	case memory.ActionSaveDialog:
		rec, err := svc.ConfirmSaveDialog(ctx, userID)
		if err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				fmt.Println("Nothing to save: the active dialog is empty.")
				return nil
			}
			return err
		}
		fmt.Printf("Dialog saved as record %s.\n", rec.ID)
	case memory.ActionNewDialog:
		if err := svc.ConfirmNewDialog(ctx, userID); err != nil {
			return err
		}
		fmt.Println("Started a fresh dialog.")
	case memory.ActionWipeAll:
		if err := svc.ConfirmWipe(ctx, userID); err != nil {
			return err
		}
		fmt.Println("All memory for this user has been deleted.")
	case memory.ActionKnowledgeClear:
		removed, err := svc.ConfirmKnowledgeClear(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Printf("Knowledge base cleared, %d chunks removed.\n", removed)
	default:
		return fmt.Errorf("pending action %s has no console flow", action)
	}
	return nil
}
