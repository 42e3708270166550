package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/astromechza/automerge-notebook/pkg/endpoint"
	"github.com/astromechza/automerge-notebook/pkg/kernel"
	"github.com/astromechza/automerge-notebook/pkg/nbclient"
	"github.com/astromechza/automerge-notebook/pkg/relay"
)

const version = "0.1.0"

const usage = `Notebook client.

Rooms are hosted document rooms unless --jupyter is given, then <room> is the notebook path on a Jupyter server.

Usage:
    nbclient add [--jupyter] [--token=<token>] [--markdown] <server> <room> <source>
    nbclient exec [--jupyter] [--token=<token>] --kernel=<kernel_id> <server> <room> <index>
    nbclient dump [--jupyter] [--token=<token>] <server> <room>
    nbclient token --secret=<secret> [--room=<room>] [--subject=<subject>] [--ttl=<ttl>]

Options:
    -h --help               Show this screen.
    --version               Show version.
    --jupyter               Open the room through the Jupyter collaboration session api.
    --token=<token>         Token presented to the server.
    --markdown              Add a markdown cell instead of a code cell.
    --kernel=<kernel_id>    Kernel to execute on.
    --secret=<secret>       Relay JWT secret.
    --room=<room>           Restrict the token to one room.
    --subject=<subject>     Token subject [default: nbclient].
    --ttl=<ttl>             Token lifetime [default: 24h].`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if isToken, _ := opts.Bool("token"); isToken {
		return issueToken(opts)
	}

	c, err := open(ctx, opts)
	if err != nil {
		return err
	}
	return c.Use(ctx, func(c *nbclient.Client) error {
		if isAdd, _ := opts.Bool("add"); isAdd {
			return add(c, opts)
		} else if isExec, _ := opts.Bool("exec"); isExec {
			return execute(ctx, c, opts)
		}
		return dump(c)
	})
}

func open(ctx context.Context, opts docopt.Opts) (*nbclient.Client, error) {
	server, _ := opts.String("<server>")
	room, _ := opts.String("<room>")
	token, _ := opts.String("--token")
	var ep endpoint.Endpoint
	var err error
	if jupyter, _ := opts.Bool("--jupyter"); jupyter {
		ep, err = endpoint.JupyterRoom(ctx, nil, server, room, token)
	} else {
		ep, err = endpoint.HostedRoom(server, room, token)
	}
	if err != nil {
		return nil, err
	}
	return nbclient.New(ep, nbclient.DefaultSettings()), nil
}

func add(c *nbclient.Client, opts docopt.Opts) error {
	source, _ := opts.String("<source>")
	var index int
	var err error
	if markdown, _ := opts.Bool("--markdown"); markdown {
		index, err = c.AddMarkdownCell(source)
	} else {
		index, err = c.AddCodeCell(source)
	}
	if err != nil {
		return err
	}
	cell, err := c.Cell(index)
	if err != nil {
		return err
	}
	slog.Info("added cell", "index", index, "id", cell.ID)
	// give the session a moment to push the change before stopping
	time.Sleep(500 * time.Millisecond)
	return nil
}

func execute(ctx context.Context, c *nbclient.Client, opts docopt.Opts) error {
	server, _ := opts.String("<server>")
	token, _ := opts.String("--token")
	kernelID, _ := opts.String("--kernel")
	rawIndex, _ := opts.String("<index>")
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		return fmt.Errorf("invalid cell index %q: %w", rawIndex, err)
	}
	ep, err := endpoint.KernelChannels(server, kernelID, "", token)
	if err != nil {
		return err
	}
	k, err := kernel.Dial(ctx, ep, nil)
	if err != nil {
		return err
	}
	defer k.Close()

	result, err := c.ExecuteCell(ctx, index, k)
	if err != nil {
		return err
	}
	outputs := make([]any, 0, len(result.Outputs))
	for _, o := range result.Outputs {
		outputs = append(outputs, o.Dict())
	}
	return printJSON(map[string]any{
		"status":          result.Status,
		"execution_count": result.ExecutionCount,
		"outputs":         outputs,
	})
}

func dump(c *nbclient.Client) error {
	d, err := c.AsDict()
	if err != nil {
		return err
	}
	return printJSON(d)
}

func issueToken(opts docopt.Opts) error {
	secret, _ := opts.String("--secret")
	room, _ := opts.String("--room")
	subject, _ := opts.String("--subject")
	rawTTL, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(rawTTL)
	if err != nil {
		return fmt.Errorf("invalid ttl: %w", err)
	}
	token, err := relay.IssueToken([]byte(secret), subject, room, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
