package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatsync/internal/api"
	"github.com/kalambet/chatsync/internal/chat"
	"github.com/kalambet/chatsync/internal/client"
	"github.com/kalambet/chatsync/internal/config"
	"github.com/kalambet/chatsync/internal/relay"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Stream a one-off answer without storing it",
	Long: `Stream a one-off answer from the chat endpoint. Nothing is stored.

Examples:
  chatsync ask "What is a goroutine?"
  chatsync ask --lang fr "Explain channels"
  chatsync ask --prompt "Answer in one sentence." "Why is the sky blue?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.TrimSpace(strings.Join(args, " "))
		if question == "" {
			return fmt.Errorf("a question is required")
		}
		lang, _ := cmd.Flags().GetString("lang")
		prompt, _ := cmd.Flags().GetString("prompt")

		cl, cfg, err := newAPIClient()
		if err != nil {
			return err
		}

		req := client.ChatRequest{
			Model:    client.ChatModel{ID: cfg.Proxy.DefaultModel, TokenLimit: cfg.Proxy.TokenLimit},
			Messages: []chat.Message{{Role: chat.RoleUser, Content: question}},
			Prompt:   prompt,
		}
		return streamAnswer(cmd.Context(), cl, req, lang, cmd.OutOrStdout())
	},
}

func init() {
	askCmd.Flags().String("lang", "", "language the answer should be written in")
	askCmd.Flags().String("prompt", "", "system prompt (default: server setting)")
}

func streamAnswer(ctx context.Context, cl *client.Client, req client.ChatRequest, lang string, out io.Writer) error {
	stream, err := cl.Chat(ctx, req, lang)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if chunk != "" {
			fmt.Fprint(out, chunk)
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			fmt.Fprintln(out)
			if errors.Is(err, relay.ErrStreamInterrupted) {
				printWarning("answer was cut off")
			}
			return err
		}
	}
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cl, _, err := newAPIClient()
		if err != nil {
			return err
		}

		convs, err := cl.ListConversations(cmd.Context())
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversations yet.")
			return nil
		}

		for _, c := range convs {
			created := ""
			if !c.CreatedAt.IsZero() {
				created = c.CreatedAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
				colorize(colorCyan, c.ThreadID),
				created,
				c.Title,
			)
		}
		return nil
	},
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a session token for a user",
	Long: `Issue a session token signed with the server's session secret.

Examples:
  chatsync token --user alice
  chatsync token --user alice --ttl 720h --save`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		save, _ := cmd.Flags().GetBool("save")

		if strings.TrimSpace(user) == "" {
			return fmt.Errorf("--user is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Server.SessionSecret == "" {
			return fmt.Errorf("no session secret configured; set CHATSYNC_SESSION_SECRET")
		}

		token, err := api.IssueToken([]byte(cfg.Server.SessionSecret), user, ttl)
		if err != nil {
			return err
		}

		if save {
			if err := config.SaveUserToken(token); err != nil {
				return fmt.Errorf("saving token: %w", err)
			}
			printSuccess("Token for %s saved", user)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "user id the token authenticates")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (0 means no expiry)")
	tokenCmd.Flags().Bool("save", false, "store the token for the client commands instead of printing it")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
