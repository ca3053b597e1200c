package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/taskline/taskline/internal/client"
	"github.com/taskline/taskline/internal/config"
	"github.com/taskline/taskline/internal/logging"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.ValidateClient(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Debug("taskline client starting", slog.String("version", Version))

	password := cfg.Password
	if password == "" {
		password, err = promptPassword()
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var c *client.Client

	session := client.NewSession(func(ctx context.Context, refreshToken string) (string, error) {
		return c.RefreshToken(ctx, refreshToken)
	}, client.SessionConfig{
		OnState: func(state client.State) {
			switch state {
			case client.StateWarning:
				fmt.Println("* session expires soon, type /continue to stay signed in")
			case client.StateExpired:
				fmt.Println("* session expired, signing out")
			}
		},
		OnSignOut: stop,
	}, logger)

	c = client.NewClient(cfg.ServerURL, session, nil)

	creds, err := c.Login(ctx, cfg.Email, password)
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}

	fmt.Printf("signed in as %s <%s>\n", creds.User.Name, creds.User.Email)

	view := client.NewView(creds.User.ID, c, nil, logger)

	socket := client.NewSocket(socketURL(cfg.ServerURL), session, printAndPatch(view), logger)
	view.AttachSocket(socket)

	if err := socket.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	if err := view.Refresh(ctx); err != nil {
		return fmt.Errorf("fetching conversations: %w", err)
	}

	printConversations(view)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		session.Run(gctx)
		return gctx.Err()
	})

	g.Go(func() error {
		return socket.Listen(gctx)
	})

	g.Go(func() error {
		return repl(gctx, c, session, view, stop)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	return nil
}

// printAndPatch echoes pushed events to the terminal before the view
// absorbs them.
func printAndPatch(view *client.View) client.EventHandler {
	return func(op string, data json.RawMessage) {
		switch op {
		case "receive-message":
			var m client.Message
			if json.Unmarshal(data, &m) == nil {
				fmt.Printf("[%s] %s\n", m.Sender, m.Message)
			}
		case "user-online":
			fmt.Printf("* %s is online\n", gjson.GetBytes(data, "userId").String())
		case "user-offline":
			fmt.Printf("* %s went offline\n", gjson.GetBytes(data, "userId").String())
		case "user-typing":
			fmt.Printf("* %s is typing...\n", gjson.GetBytes(data, "from").String())
		case "message-error":
			fmt.Printf("! %s\n", gjson.GetBytes(data, "message").String())
		}

		view.HandleEvent(op, data)
	}
}

// socketURL rewrites the HTTP base URL into the gateway endpoint.
func socketURL(base string) string {
	url := strings.TrimSuffix(base, "/")
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)

	return url + "/ws"
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return "", fmt.Errorf("no input")
	}

	return scanner.Text(), nil
}

// repl reads commands from stdin until the context ends. Plain text goes
// to the open conversation; lines starting with / are commands.
func repl(ctx context.Context, c *client.Client, session *client.Session, view *client.View, stop func()) error {
	lines := make(chan string)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				stop()
				return nil
			}

			if err := handleLine(ctx, c, session, view, strings.TrimSpace(line), stop); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

func handleLine(ctx context.Context, c *client.Client, session *client.Session, view *client.View, line string, stop func()) error {
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		open := view.Opened()
		if open == "" {
			return fmt.Errorf("no open conversation, /open <user-id> first")
		}

		if _, err := view.SendMessage(ctx, open, line); err != nil {
			return err
		}

		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/list":
		if err := view.Refresh(ctx); err != nil {
			return err
		}
		printConversations(view)

	case "/open":
		if arg == "" {
			return fmt.Errorf("usage: /open <user-id>")
		}
		if err := view.Open(ctx, arg); err != nil {
			return err
		}
		for _, m := range view.Messages() {
			fmt.Printf("[%s] %s\n", m.Sender, m.Message)
		}

	case "/close":
		view.CloseConversation()

	case "/continue":
		if err := session.Continue(ctx); err != nil {
			return err
		}
		fmt.Printf("* session extended, %s remaining\n", session.Remaining(time.Now()).Round(time.Second))

	case "/quit":
		_ = c.Logout(ctx)
		stop()

	default:
		return fmt.Errorf("unknown command %s", cmd)
	}

	return nil
}

func printConversations(view *client.View) {
	convs := view.Conversations()
	if len(convs) == 0 {
		fmt.Println("no conversations yet")
		return
	}

	for _, conv := range convs {
		status := " "
		if view.IsOnline(conv.User.ID) {
			status = "*"
		}

		last := ""
		if conv.LastMessage != nil {
			last = conv.LastMessage.Message
		}

		if conv.UnreadCount > 0 {
			fmt.Printf("%s %s (%d unread): %s\n", status, conv.User.ID, conv.UnreadCount, last)
		} else {
			fmt.Printf("%s %s: %s\n", status, conv.User.ID, last)
		}
	}
}
