package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/terrachat-io/terrachat/internal/executor"
)

var chatSessionID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive provisioning conversation",
	Long: `Opens an interactive conversation. Describe the infrastructure you want
in plain language and terrachat will collect the details, confirm, and
provision it.

Examples of things you can say:
  create a storage bucket named archive-logs
  create a postgres database
  list my buckets
  destroy the database
  how much would a t3.medium instance cost?

Type 'help' for these hints again, 'exit' to leave. Pass --session to
resume an earlier conversation.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "Session ID to resume (default: start a new session)")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sessionID := chatSessionID
	resumed := sessionID != ""
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	fmt.Println("Terrachat (type 'help' for hints, 'exit' to quit)")
	if resumed {
		fmt.Printf("Resuming session %s\n", sessionID)
	} else {
		fmt.Printf("Session %s\n", sessionID)
	}
	fmt.Println()

	emit := func(ev executor.Event) {
		fmt.Printf("  | %s\n", ev.Line)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "exit", "quit":
			fmt.Println("Bye!")
			return nil
		case "help":
			printChatHelp()
			continue
		}

		reply, err := a.machine.HandleTurn(ctx, sessionID, line, emit)
		if err != nil {
			fmt.Printf("terrachat> I couldn't save the conversation: %v\n", err)
			continue
		}
		fmt.Printf("terrachat> %s\n", reply.Text)

		if reply.ExecutionStarted {
			outcome, err := a.machine.AwaitExecution(ctx, sessionID)
			if err != nil {
				fmt.Printf("terrachat> The run's outcome could not be recorded: %v\n", err)
				continue
			}
			fmt.Printf("terrachat> %s\n", outcome.Text)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

func printChatHelp() {
	fmt.Println("Things you can say:")
	fmt.Println("  create a storage bucket named archive-logs")
	fmt.Println("  create a postgres database")
	fmt.Println("  create an instance named web-1")
	fmt.Println("  list my buckets")
	fmt.Println("  destroy the database")
	fmt.Println("  how much would a t3.medium instance cost?")
	fmt.Println()
	fmt.Println("While provisioning: 'cancel' stops the run.")
	fmt.Println("Commands: help, exit")
}
