package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/remote-agent-terminal/chatclient/internal/auth"
	"github.com/remote-agent-terminal/chatclient/internal/config"
	"github.com/remote-agent-terminal/chatclient/internal/logger"
	"github.com/remote-agent-terminal/chatclient/internal/session"
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var slogger *slog.Logger
	if cfg.Debug {
		slogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	input := bufio.NewReader(os.Stdin)

	token := cfg.Token
	if token == "" {
		token, err = login(cfg, input, os.Stdout)
		if err != nil {
			log.Fatalf("Failed to log in: %v", err)
		}
	}

	participantID, err := auth.ParticipantID(token)
	if err != nil {
		log.Fatalf("Failed to read token: %v", err)
	}

	var transcript *logger.Transcript
	if cfg.Transcript != "" {
		transcript, err = logger.NewTranscript(cfg.Transcript)
		if err != nil {
			log.Fatalf("Failed to open transcript: %v", err)
		}
		defer transcript.Close()
		if err := transcript.WriteHeader(participantID); err != nil {
			log.Fatalf("Failed to write transcript: %v", err)
		}
	}

	sess := session.New(session.Config{
		Timeout: cfg.Timeout,
		Logger:  slogger,
	})
	a := newApp(sess, os.Stdout, cfg.HistorySize, transcript, cfg.Timeout)

	if err := sess.Initialize(cfg.Endpoint, token, participantID); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer sess.Disconnect()

	a.printf("* signed in as %s, type /help for commands", participantID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-sigCh:
			return
		case line, ok := <-lines:
			if !ok || a.handleLine(line) {
				return
			}
		}
	}
}

// login asks for the missing credentials and exchanges them for a token.
func login(cfg *config.Client, input *bufio.Reader, out io.Writer) (string, error) {
	email := cfg.Email
	if email == "" {
		fmt.Fprint(out, "email: ")
		line, err := input.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read email: %w", err)
		}
		email = strings.TrimSpace(line)
	}

	password := cfg.Password
	if password == "" {
		fmt.Fprint(out, "password: ")
		var err error
		password, err = readPassword(input)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	return auth.NewClient(cfg.APIURL, nil).Authenticate(ctx, email, password)
}

// readPassword reads without echo when stdin is a terminal.
func readPassword(input *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		data, err := term.ReadPassword(fd)
		return string(data), err
	}
	line, err := input.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
