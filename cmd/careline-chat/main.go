// ABOUTME: Terminal client for the careline conversation subsystem.
// ABOUTME: Connects the three channels, lists conversations, sends and watches messages.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/jeewanjyoti/careline/internal/auth"
	"github.com/jeewanjyoti/careline/internal/channel"
	"github.com/jeewanjyoti/careline/internal/config"
	"github.com/jeewanjyoti/careline/internal/history"
	"github.com/jeewanjyoti/careline/internal/session"
	"github.com/jeewanjyoti/careline/internal/timeline"
)

var (
	sentStyle     = color.New(color.FgCyan)
	receivedStyle = color.New(color.FgGreen)
	failedStyle   = color.New(color.FgRed)
	pendingStyle  = color.New(color.Faint)
	onlineStyle   = color.New(color.FgGreen, color.Bold)
	offlineStyle  = color.New(color.Faint)
)

func main() {
	configPath := flag.String("config", "careline.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg *config.Config) error {
	creds := auth.NewEnvProvider(cfg.Auth.TokenEnvVar)
	if cfg.Auth.TokenFile != "" {
		creds.TokenFile = cfg.Auth.TokenFile
	}

	loader := history.NewLoader(cfg.Server.APIBaseURL, nil, creds, cfg.Chat.RefreshInterval, slog.Default())

	sess := session.New(session.Settings{
		WSBaseURL:       cfg.Server.WSBaseURL,
		SendTimeout:     cfg.Chat.SendTimeout,
		EchoMatchWindow: cfg.Chat.EchoMatchWindow,
	}, channel.NewWebsocketDialer(), loader, creds, slog.Default())

	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.Close()

	fmt.Printf("careline-chat connected to %s\n", cfg.Server.WSBaseURL)
	fmt.Println("Commands: /list, /search <q>, /open <counterpart>, /older, /refresh, /retry <temp_id>, /quit")
	fmt.Println()

	go watchUpdates(sess)

	return inputLoop(ctx, sess)
}

// watchUpdates renders change notifications as they arrive.
func watchUpdates(sess *session.Session) {
	for u := range sess.Updates() {
		switch u.Kind {
		case session.UpdateMessages:
			renderMessages(sess)
		case session.UpdateSendFailed:
			failedStyle.Println("! a message could not be delivered (use /retry <temp_id>)")
		case session.UpdateMessageChannelClosed:
			if u.Err != nil {
				failedStyle.Printf("! channel closed: %v (re-open with /open %s)\n", u.Err, u.CounterpartID)
			}
		case session.UpdateHistoryFailed:
			failedStyle.Printf("! history fetch failed: %v (retry with /older or /refresh)\n", u.Err)
		case session.UpdatePresenceChannelClosed, session.UpdateListChannelClosed:
			failedStyle.Println("! lost a background channel; restart to reconnect")
		}
	}
}

func inputLoop(ctx context.Context, sess *session.Session) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if selected := sess.Selected(); selected != "" {
			fmt.Printf("[%s]> ", selected)
		} else {
			fmt.Print("> ")
		}

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if err := handleInput(sess, input); err != nil {
			if err == errQuit {
				return nil
			}
			failedStyle.Printf("! %v\n", err)
		}
	}
}

var errQuit = fmt.Errorf("quit")

func handleInput(sess *session.Session, input string) error {
	if !strings.HasPrefix(input, "/") {
		_, err := sess.Send(timeline.Content{Body: input})
		return err
	}

	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit", "/q":
		return errQuit
	case "/list":
		renderConversations(sess.Conversations())
		return nil
	case "/search":
		renderConversations(sess.SearchConversations(rest))
		return nil
	case "/open":
		if rest == "" {
			return fmt.Errorf("usage: /open <counterpart>")
		}
		return sess.Select(rest)
	case "/older":
		return sess.LoadOlder()
	case "/refresh":
		return sess.Refresh()
	case "/retry":
		if rest == "" {
			return fmt.Errorf("usage: /retry <temp_id>")
		}
		return sess.Retry(rest)
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

func renderConversations(convs []session.ConversationView) {
	if len(convs) == 0 {
		fmt.Println("(no conversations)")
		return
	}
	for _, conv := range convs {
		marker := offlineStyle.Sprint("·")
		if conv.Online {
			marker = onlineStyle.Sprint("●")
		}
		line := fmt.Sprintf("%s %s (%s)", marker, conv.Name, conv.CounterpartID)
		if conv.Role != "" {
			line += " — " + conv.Role
		}
		if conv.UnreadCount > 0 {
			line += fmt.Sprintf(" [%d unread]", conv.UnreadCount)
		}
		fmt.Println(line)
		if conv.LastMessagePreview != "" {
			fmt.Printf("    %s\n", conv.LastMessagePreview)
		}
	}
}

func renderMessages(sess *session.Session) {
	msgs := sess.Messages()
	if len(msgs) == 0 {
		return
	}
	fmt.Println()
	for _, msg := range msgs {
		body := msg.Body
		if msg.Attachment != nil {
			body = fmt.Sprintf("%s [%s %s]", body, msg.Attachment.Kind, msg.Attachment.Name)
		}
		stamp := msg.Timestamp.Format("15:04")
		switch {
		case msg.Lifecycle == timeline.LifecycleFailed:
			failedStyle.Printf("%s ✗ %s (retry: /retry %s)\n", stamp, body, msg.TempID)
		case msg.Lifecycle == timeline.LifecyclePending:
			pendingStyle.Printf("%s … %s\n", stamp, body)
		case msg.Direction == timeline.DirectionSent:
			sentStyle.Printf("%s » %s\n", stamp, body)
		default:
			receivedStyle.Printf("%s « %s\n", stamp, body)
		}
	}
}
