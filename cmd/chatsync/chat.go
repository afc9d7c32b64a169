package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatsync/internal/chat"
	"github.com/kalambet/chatsync/internal/syncer"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat that stays in sync with the server",
	Long: `Interactive chat. Replies are produced by the server and picked up by polling.

Commands inside the session:
  /list          list conversations
  /open <id>     open a conversation by thread id
  /new           start a new conversation with the next message
  /more          load older messages
  /1 /2 /3       send a suggested follow-up
  /quit          leave`,
	RunE: func(cmd *cobra.Command, args []string) error {
		thread, _ := cmd.Flags().GetString("thread")

		cl, cfg, err := newAPIClient()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		t := newTranscript(out)
		s := syncer.New(cl, syncer.Options{
			PollInterval:   cfg.Sync.PollInterval,
			HealthInterval: cfg.Sync.HealthInterval,
			Toast:          func(msg string) { printWarning("%s", msg) },
			OnChange:       t.render,
		})
		defer s.Close()

		sess := &chatSession{sync: s, transcript: t, out: out}
		ctx := cmd.Context()
		if thread != "" {
			if err := sess.open(ctx, thread); err != nil {
				return err
			}
		}
		if interactive() {
			printStep("Type a message to chat, /quit to leave")
		}
		return sess.loop(ctx, cmd.InOrStdin())
	},
}

func init() {
	chatCmd.Flags().String("thread", "", "thread id of a conversation to resume")
}

// transcript prints the confirmed tail of the conversation as it arrives.
type transcript struct {
	mu          sync.Mutex
	out         io.Writer
	shown       map[string]bool
	replay      bool
	suggestions []string
	lastHint    string
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{out: out, shown: make(map[string]bool)}
}

// reset forgets printed messages. With replay set the next render prints
// the loaded thread including the user's own messages.
func (t *transcript) reset(replay bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shown = make(map[string]bool)
	t.replay = replay
	t.suggestions = nil
	t.lastHint = ""
}

func (t *transcript) render(v syncer.View) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.suggestions = v.Suggestions
	if v.Loading {
		return
	}

	// Only messages after the newest printed one are new; older pages are
	// printed by /more.
	start := len(v.Messages)
	for start > 0 {
		m := v.Messages[start-1]
		if !m.IsPending() && t.shown[m.ID] {
			break
		}
		start--
	}
	for _, m := range v.Messages[start:] {
		if m.IsPending() {
			continue
		}
		t.shown[m.ID] = true
		if m.Role == chat.RoleAssistant || t.replay {
			t.printMessage(m)
		}
	}
	t.replay = false

	if v.State != syncer.Settled || len(v.Suggestions) == 0 {
		return
	}
	hint := strings.Join(v.Suggestions, "\x00")
	if hint == t.lastHint {
		return
	}
	t.lastHint = hint
	for i, sug := range v.Suggestions {
		fmt.Fprintf(t.out, "%s %s\n", colorize(colorFaint, fmt.Sprintf("  /%d", i+1)), colorize(colorFaint, sug))
	}
}

func (t *transcript) printMessage(m chat.Message) {
	label := colorize(colorBold, "you>")
	if m.Role == chat.RoleAssistant {
		label = colorize(colorCyan, "assistant>")
	}
	fmt.Fprintf(t.out, "%s %s\n", label, m.Content)
}

func (t *transcript) suggestion(n int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 1 || n > len(t.suggestions) {
		return "", false
	}
	return t.suggestions[n-1], true
}

func (t *transcript) markShown(msgs []chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		t.shown[m.ID] = true
	}
}

type chatSession struct {
	sync       *syncer.Synchronizer
	transcript *transcript
	out        io.Writer
}

func (c *chatSession) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		quit, err := c.handle(ctx, line)
		if err != nil {
			printError("%v", err)
		}
		if quit {
			return nil
		}
	}
}

// handle runs one input line and reports whether the session should end.
func (c *chatSession) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, c.send(ctx, line)
	}

	fields := strings.Fields(line)
	switch cmd := fields[0]; cmd {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		c.sync.Deselect()
		c.transcript.reset(false)
		printStep("New conversation starts with your next message")
		return false, nil
	case "/list":
		return false, c.list(ctx)
	case "/open":
		if len(fields) != 2 {
			return false, errors.New("usage: /open <thread-id>")
		}
		return false, c.open(ctx, fields[1])
	case "/more":
		return false, c.more(ctx)
	default:
		n, err := strconv.Atoi(strings.TrimPrefix(cmd, "/"))
		if err != nil {
			return false, fmt.Errorf("unknown command %s", cmd)
		}
		sug, ok := c.transcript.suggestion(n)
		if !ok {
			return false, fmt.Errorf("no suggestion %d", n)
		}
		fmt.Fprintf(c.out, "%s %s\n", colorize(colorBold, "you>"), sug)
		return false, c.send(ctx, sug)
	}
}

func (c *chatSession) send(ctx context.Context, content string) error {
	err := c.sync.Send(ctx, content)
	if errors.Is(err, syncer.ErrBusy) {
		return errors.New("still waiting for the previous reply")
	}
	// Other failures were already shown as a toast.
	return nil
}

func (c *chatSession) list(ctx context.Context) error {
	if err := c.sync.LoadConversations(ctx); err != nil {
		return err
	}
	convs := c.sync.Snapshot().Conversations
	if len(convs) == 0 {
		fmt.Fprintln(c.out, "No conversations yet.")
		return nil
	}
	for _, conv := range convs {
		fmt.Fprintf(c.out, "  %s  %s\n", colorize(colorCyan, conv.ThreadID), conv.Title)
	}
	return nil
}

func (c *chatSession) open(ctx context.Context, threadID string) error {
	if err := c.sync.LoadConversations(ctx); err != nil {
		return err
	}
	for _, conv := range c.sync.Snapshot().Conversations {
		if conv.ThreadID == threadID || shortID(conv.ThreadID) == threadID {
			c.transcript.reset(true)
			printStep("Opened %q", conv.Title)
			return c.sync.Select(ctx, conv)
		}
	}
	return fmt.Errorf("no conversation with thread id %s", threadID)
}

func (c *chatSession) more(ctx context.Context) error {
	v := c.sync.Snapshot()
	oldest := ""
	for _, m := range v.Messages {
		if !m.IsPending() {
			oldest = m.ID
			break
		}
	}
	if oldest == "" {
		return nil
	}
	if v.Session != nil && v.Session.AllMessagesLoaded {
		printStep("No older messages")
		return nil
	}

	if err := c.sync.FetchMore(ctx, oldest); err != nil {
		return err
	}

	after := c.sync.Snapshot().Messages
	idx := 0
	for i, m := range after {
		if m.ID == oldest {
			idx = i
			break
		}
	}
	older := after[:idx]
	if len(older) == 0 {
		printStep("No older messages")
		return nil
	}
	c.transcript.markShown(older)
	fmt.Fprintln(c.out, colorize(colorFaint, "--- earlier ---"))
	for _, m := range older {
		c.transcript.printMessage(m)
	}
	fmt.Fprintln(c.out, colorize(colorFaint, "---"))
	return nil
}

// interactive reports whether stdin is a terminal.
func interactive() bool {
	info, err := os.Stdin.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
