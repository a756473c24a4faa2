package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koopa0/chatembed/internal/config"
	"github.com/koopa0/chatembed/internal/session"
	"github.com/koopa0/chatembed/internal/transcript"
	"github.com/koopa0/chatembed/internal/transport"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat conversation",
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	st, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer st.Close()

	adapter := newAdapter(cfg, logger)

	deployment, err := adapter.FetchDeploymentConfig(ctx, cfg.EmbedID)
	if err != nil {
		if errors.Is(err, transport.ErrConfigNotFound) {
			return fmt.Errorf("no deployment found for embed id %q", cfg.EmbedID)
		}
		return fmt.Errorf("fetch deployment config: %w", err)
	}
	if deployment.EmbedID == "" {
		deployment.EmbedID = scopeID(cfg)
	}

	agentName := deployment.AgentName
	if agentName == "" {
		agentName = "Assistant"
	}

	// Tool calls print as they appear; track how many were already shown.
	shownToolCalls := 0

	mgr := session.NewManager(session.Options{
		Deployment:        deployment,
		Adapter:           adapter,
		Store:             st,
		StreamMode:        streamMode(cfg),
		SynthesizeWelcome: true,
		Callbacks: session.Callbacks{
			OnSessionStart: func(id string) {
				logger.Debug("session started", "sessionId", id)
			},
			OnSessionEnd: func(sess transcript.Session) {
				fmt.Println(infoStyle.Render(fmt.Sprintf("session %s ended (%d messages)", sess.SessionID, len(sess.Messages))))
			},
			OnError: func(err error) {
				logger.Debug("exchange failed", "error", err)
			},
		},
	}, logger.With("component", "session"))
	defer func() { _ = mgr.Close() }()

	fmt.Println(agentNameStyle.Render(agentName))
	if cfg.MockMode {
		fmt.Println(infoStyle.Render("mock mode: responses are canned"))
	}
	fmt.Println(infoStyle.Render("/help for commands, Ctrl+D to quit"))
	fmt.Println()

	if mgr.Restore(ctx) {
		fmt.Println(infoStyle.Render("resuming previous conversation"))
	}
	for _, msg := range mgr.Messages() {
		printMessage(agentName, msg)
	}
	shownToolCalls = len(mgr.ToolCalls())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(userStyle.Render("you> "))
		if !scanner.Scan() {
			fmt.Println()
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if chatCommand(ctx, input, mgr, &shownToolCalls) {
				break
			}
			continue
		}

		before := len(mgr.Messages())
		if err := mgr.Send(ctx, input); err != nil {
			fmt.Println(fmtError(err))
			continue
		}

		for _, tc := range mgr.ToolCalls()[shownToolCalls:] {
			fmt.Println(toolStyle.Render(fmt.Sprintf("⚙ %s → %v", tc.Name, tc.Result)))
		}
		shownToolCalls = len(mgr.ToolCalls())

		// Print everything the exchange added beyond the echoed user message.
		for _, msg := range mgr.Messages()[before+1:] {
			printMessage(agentName, msg)
		}
	}

	return scanner.Err()
}

// chatCommand handles slash commands; it reports whether the loop should end.
func chatCommand(ctx context.Context, input string, mgr *session.Manager, shownToolCalls *int) bool {
	switch strings.Fields(input)[0] {
	case "/help":
		fmt.Println(infoStyle.Render("/new     start a fresh session"))
		fmt.Println(infoStyle.Render("/end     end the session and clear storage"))
		fmt.Println(infoStyle.Render("/history reprint the conversation"))
		fmt.Println(infoStyle.Render("/exit    quit (conversation is kept)"))

	case "/new":
		if _, err := mgr.StartNew(ctx); err != nil {
			fmt.Println(fmtError(err))
			return false
		}
		*shownToolCalls = 0
		fmt.Println(infoStyle.Render("started a new session"))
		for _, msg := range mgr.Messages() {
			printMessage("Assistant", msg)
		}

	case "/end":
		if err := mgr.End(ctx); err != nil {
			fmt.Println(fmtError(err))
		}
		*shownToolCalls = 0

	case "/history":
		for _, msg := range mgr.Messages() {
			printMessage("Assistant", msg)
		}

	case "/exit", "/quit":
		return true

	default:
		fmt.Println(infoStyle.Render("unknown command, /help lists commands"))
	}
	return false
}

// printMessage renders one transcript message.
func printMessage(agentName string, msg transcript.Message) {
	switch msg.Role {
	case transcript.RoleUser:
		fmt.Println(userStyle.Render("you> ") + msg.Content)
	default:
		label := agentNameStyle.Render(agentName + "> ")
		if msg.Status == transcript.StatusError {
			fmt.Println(label + errorStyle.Render(msg.Content))
			return
		}
		fmt.Println(label + assistantStyle.Render(msg.Content))
	}
}

// streamMode converts the configured mode string to the transcript type.
func streamMode(cfg *config.Config) transcript.StreamMode {
	switch cfg.StreamMode {
	case config.StreamModeAppend:
		return transcript.StreamAppend
	case config.StreamModeBuffered:
		return transcript.StreamBuffered
	default:
		return transcript.StreamReplace
	}
}
