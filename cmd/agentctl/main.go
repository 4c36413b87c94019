package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/sebas/agentline/internal/apiclient"
	"github.com/sebas/agentline/internal/telephony"
)

const usage = `usage: agentctl [-api URL] <command> [args]

commands:
  status                         line and call status
  events [n]                     recent events, newest first
  join | leave                   join or leave the queue
  dial <target>                  place a call
  answer <id>                    answer the pending call
  reject <id> [code]             decline the pending call
  hangup <id>                    end a call
  mute <id> | unmute <id>        silence or restore outgoing audio
  dtmf <id> <tones>              send tones (0-9 * # A-D, ',' pauses)
  transfer <id> <target> [mode]  transfer a call (blind or attended)
  ice                            show ICE servers
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid usage")

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("agentctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	defaultAPI := os.Getenv("AGENTLINE_API")
	if defaultAPI == "" {
		defaultAPI = "http://127.0.0.1:8080"
	}
	api := fs.String("api", defaultAPI, "Agent API base URL")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		fmt.Fprint(out, usage)
		return errUsage
	}

	c := apiclient.NewClient(*api)
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	need := func(n int) error {
		if len(rest) < n {
			fmt.Fprint(out, usage)
			return errUsage
		}
		return nil
	}

	var (
		result any
		err    error
	)
	switch cmd {
	case "status":
		result, err = c.Status(ctx)
	case "events":
		limit := 20
		if len(rest) > 0 {
			if limit, err = strconv.Atoi(rest[0]); err != nil {
				return fmt.Errorf("events: %w", err)
			}
		}
		result, err = c.Events(ctx, limit)
	case "join":
		result, err = c.Join(ctx)
	case "leave":
		result, err = c.Leave(ctx)
	case "dial":
		if err := need(1); err != nil {
			return err
		}
		result, err = c.Dial(ctx, rest[0])
	case "answer":
		if err := need(1); err != nil {
			return err
		}
		result, err = c.Answer(ctx, rest[0])
	case "reject":
		if err := need(1); err != nil {
			return err
		}
		code := 0
		if len(rest) > 1 {
			if code, err = strconv.Atoi(rest[1]); err != nil {
				return fmt.Errorf("reject: %w", err)
			}
		}
		err = c.Reject(ctx, rest[0], code, "")
	case "hangup":
		if err := need(1); err != nil {
			return err
		}
		err = c.HangUp(ctx, rest[0])
	case "mute", "unmute":
		if err := need(1); err != nil {
			return err
		}
		result, err = c.Mute(ctx, rest[0], cmd == "mute")
	case "dtmf":
		if err := need(2); err != nil {
			return err
		}
		err = c.SendTones(ctx, rest[0], rest[1], 0, 0)
	case "transfer":
		if err := need(2); err != nil {
			return err
		}
		mode := telephony.Blind
		if len(rest) > 2 {
			if mode, err = telephony.ParseTransferMode(rest[2]); err != nil {
				return err
			}
		}
		err = c.Transfer(ctx, rest[0], rest[1], mode)
	case "ice":
		result, err = c.ICEServers(ctx)
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Fprintln(out, "ok")
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
