package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/mash-protocol/iotsession/pkg/session"
)

const commandTimeout = 30 * time.Second

// Console is the interactive command interface.
type Console struct {
	rl *readline.Instance
}

// NewConsole creates a console reading from the terminal.
func NewConsole() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "iot> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{rl: rl}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc, a *app) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if quit := c.execute(ctx, a, input); quit {
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}
	}
}

// execute runs one command line and reports whether the console should exit.
func (c *Console) execute(ctx context.Context, a *app, input string) bool {
	w := c.rl.Stdout()
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		c.printHelp()

	case "connect", "c":
		report(w, "connect", a.session.Connect(cctx))

	case "disconnect", "d":
		report(w, "disconnect", a.session.Disconnect(cctx))

	case "sub", "subscribe":
		if len(args) != 1 {
			fmt.Fprintln(w, "Usage: sub <topic>")
			return false
		}
		report(w, "subscribe "+args[0], a.manager.Subscribe(cctx, args[0]))

	case "unsub", "unsubscribe":
		if len(args) != 1 {
			fmt.Fprintln(w, "Usage: unsub <topic>")
			return false
		}
		report(w, "unsubscribe "+args[0], a.manager.Unsubscribe(cctx, args[0]))

	case "pub", "publish":
		if len(args) < 2 {
			fmt.Fprintln(w, "Usage: pub <topic> <data>")
			return false
		}
		payload := strings.Join(args[1:], " ")
		report(w, "publish "+args[0], a.session.Publish(cctx, args[0], []byte(payload)))

	case "twin":
		c.cmdTwin(cctx, a)

	case "status", "s":
		c.cmdStatus(a)

	case "quit", "exit", "q":
		return true

	default:
		fmt.Fprintf(w, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func report(w io.Writer, what string, err error) {
	if err != nil {
		fmt.Fprintf(w, "%s failed: %v\n", what, err)
		return
	}
	fmt.Fprintf(w, "%s: ok\n", what)
}

func (c *Console) cmdTwin(ctx context.Context, a *app) {
	w := c.rl.Stdout()
	if err := a.session.EnableResponses(ctx, twinResponseFilter, parseTwinResponse); err != nil {
		fmt.Fprintf(w, "enable twin responses failed: %v\n", err)
		return
	}
	resp, err := a.session.Exchange(ctx, twinGetTopic, []byte(" "))
	var se *session.StatusError
	switch {
	case errors.As(err, &se):
		fmt.Fprintf(w, "twin request %s failed with status %d: %s\n", se.RequestID, se.Status, se.Body)
	case err != nil:
		fmt.Fprintf(w, "twin request failed: %v\n", err)
	default:
		fmt.Fprintf(w, "twin (status %d):\n%s\n", resp.Status, resp.Body)
	}
}

func (c *Console) cmdStatus(a *app) {
	w := c.rl.Stdout()
	fmt.Fprintf(w, "Broker:    %s\n", a.cfg.Hostname)
	fmt.Fprintf(w, "Client ID: %s\n", a.cfg.ClientID)
	fmt.Fprintf(w, "State:     %s\n", a.manager.State())
	if cause := a.manager.PreviousDisconnectionCause(); cause != nil {
		fmt.Fprintf(w, "Last drop: %v\n", cause)
	}
	fmt.Fprintf(w, "Pending:   %d request(s)\n", a.session.Ledger().Len())
	if a.provider != nil {
		if tok := a.provider.Current(); tok != nil {
			fmt.Fprintf(w, "Token:     expires %s\n", tok.Expiry.Format(time.RFC3339))
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
Session Commands:
  Connection:
    connect                - Connect to the broker
    disconnect             - Disconnect from the broker
    status                 - Show session status

  Messaging:
    sub <topic>            - Subscribe to a topic
    unsub <topic>          - Unsubscribe from a topic
    pub <topic> <data>     - Publish data to a topic
    twin                   - Request the device twin

  General:
    help                   - Show this help
    quit                   - Exit`)
}
