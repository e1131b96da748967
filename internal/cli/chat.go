package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/whysosaket/intercom-agent/internal/adminclient"
	"github.com/whysosaket/intercom-agent/internal/chat"
)

const chatHelp = `Type a customer message, or:
  /approve       send the pending answer as is
  /edit <text>   replace the pending answer and send it
  /reject        discard the pending answer
  /quit          end the session`

type chatAPI interface {
	CreateSession(ctx context.Context) (chat.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SendMessage(ctx context.Context, sessionID, content string) (chat.Reply, error)
	Act(ctx context.Context, sessionID, action string, index *int, content string) (chat.ActionResult, error)
}

func newChatCommand() *cobra.Command {
	var (
		apiURL     string
		timeoutSec int
		keep       bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the pipeline as a simulated customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := adminclient.New(apiURL, time.Duration(timeoutSec)*time.Second)
			return runChat(cmd.Context(), client, cmd.InOrStdin(), cmd.OutOrStdout(), keep)
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "http://localhost:8000", "base URL of a running server")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 180, "request timeout in seconds")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the session on the server after exit")
	return cmd
}

func runChat(ctx context.Context, client chatAPI, in io.Reader, out io.Writer, keep bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	session, err := client.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !keep {
		defer client.DeleteSession(context.WithoutCancel(ctx), session.ID)
	}
	fmt.Fprintf(out, "session %s (conversation %s)\n%s\n", session.ID, session.ConversationID, chatHelp)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		command, rest, _ := strings.Cut(line, " ")
		switch strings.ToLower(command) {
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(out, chatHelp)
		case "/approve", "/reject":
			result, err := client.Act(ctx, session.ID, strings.TrimPrefix(command, "/"), nil, "")
			printAction(out, result, err)
		case "/edit":
			if strings.TrimSpace(rest) == "" {
				fmt.Fprintln(out, "usage: /edit <text>")
				continue
			}
			result, err := client.Act(ctx, session.ID, "edit", nil, rest)
			printAction(out, result, err)
		default:
			reply, err := client.SendMessage(ctx, session.ID, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			printReply(out, reply)
		}
	}
}

func printReply(out io.Writer, reply chat.Reply) {
	confidence := 0.0
	if reply.Message.Confidence != nil {
		confidence = *reply.Message.Confidence
	}
	fmt.Fprintf(out, "[%s confidence=%.2f decision=%s]\n%s\n",
		reply.Message.Status,
		confidence,
		reply.Result.PreCheck.Decision,
		reply.Message.Content,
	)
	if reason := strings.TrimSpace(reply.Message.Reasoning); reason != "" {
		fmt.Fprintf(out, "reasoning: %s\n", reason)
	}
	if !reply.AutoSent {
		fmt.Fprintln(out, "awaiting review: /approve, /edit <text> or /reject")
	}
}

func printAction(out io.Writer, result chat.ActionResult, err error) {
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	line := fmt.Sprintf("%s: message %d is now %s", result.Action, result.MessageIndex, result.Message.Status)
	if result.Catalogued != "" {
		line += " (catalogued as " + result.Catalogued + ")"
	}
	fmt.Fprintln(out, line)
}
