package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/client"
	"github.com/Tyrowin/roomchat/internal/logging"
)

const quitCommand = "/quit"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := client.NewConfigFromEnv()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	dialer, err := client.NewWebSocketDialer(cfg)
	if err != nil {
		return err
	}

	m := client.NewMachine(dialer, client.NewPolicy(cfg.ReconnectDelay, cfg.ReconnectDelayMax), log)
	defer m.Close()

	if err := m.SetIdentity(cfg.UserID); err != nil {
		return err
	}
	if err := m.Connect(); err != nil {
		return errors.Wrap(err, "connect")
	}
	log.Info("connecting", zap.String("url", dialer.URL))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			m.Disconnect()
			return nil

		case st := <-m.Updates():
			printStatus(st)

		case env := <-m.Messages():
			fmt.Printf("%s: %s\n", env.Username, env.Content)

		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == quitCommand {
				m.Disconnect()
				return nil
			}
			err := m.SendMessage(line, cfg.Username)
			switch {
			case errors.Is(err, client.ErrEmptyContent):
			case errors.Is(err, client.ErrNotConnected):
				fmt.Fprintln(os.Stderr, "not connected; message not sent")
			case err != nil:
				log.Warn("send failed", zap.Error(err))
			}
		}
	}
}

func readLines(f *os.File, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func printStatus(st client.Status) {
	switch st.State {
	case client.StateConnected:
		fmt.Println("* connected")
	case client.StateDisconnected:
		fmt.Println("* disconnected")
	case client.StateReconnecting:
		fmt.Printf("* connection error: %s (retry %d in %s)\n", st.Err, st.Attempt, st.NextRetry)
	}
}
