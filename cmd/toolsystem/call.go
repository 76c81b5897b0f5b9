package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/morezero/toolsystem/internal/config"
	"github.com/morezero/toolsystem/internal/server"
	"github.com/morezero/toolsystem/pkg/semver"
	"github.com/morezero/toolsystem/pkg/tool"
	"github.com/morezero/toolsystem/pkg/transport"
)

type callOptions struct {
	provider string
	target   string
	timeout  time.Duration
	wait     time.Duration
	local    bool
	jsonOut  bool
	verbose  bool
}

func callCmd() *cobra.Command {
	var opts callOptions
	cmd := &cobra.Command{
		Use:   "call <tool> [payload-json]",
		Short: "Invoke a tool on a peer context",
		Long: `Join the channel as a short-lived context and invoke a tool through the
remote provider. The tool is "name" or "provider:name"; the payload is JSON.

Examples:
  toolsystem call app:notify '{"message":"hello"}'
  toolsystem call state:set '{"path":"ui.theme","value":"dark"}' --target ctx_01J...
  toolsystem call notify '{"n":1}' --local`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payloadArg := ""
			if len(args) > 1 {
				payloadArg = args[1]
			}
			return runCall(cmd.Context(), cmd.OutOrStdout(), args[0], payloadArg, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "app", "Provider when the tool reference names none")
	cmd.Flags().StringVar(&opts.target, "target", "", "Deliver only to this context id")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Response timeout")
	cmd.Flags().DurationVar(&opts.wait, "wait", 500*time.Millisecond, "How long to wait for a peer handshake before calling")
	cmd.Flags().BoolVar(&opts.local, "local", false, "Dispatch in a local context instead of over the channel")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the raw result as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log at info level")
	return cmd
}

func runCall(ctx context.Context, out io.Writer, ref, payloadArg string, opts callOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	parsed, err := semver.ParseToolRef(ref)
	if err != nil {
		return err
	}
	provider := parsed.Provider
	if provider == "" {
		provider = opts.provider
	}
	payload, err := parsePayload(payloadArg)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.SourceID = ""
	if opts.local {
		cfg.Transport = config.TransportMemory
	}

	ctx, cancel := context.WithTimeout(ctx, opts.wait+opts.timeout+5*time.Second)
	defer cancel()

	s, err := server.New(ctx, server.NewServerParams{Config: cfg})
	if err != nil {
		return err
	}
	defer s.Close()

	label := provider + ":" + parsed.Name
	var res *tool.Result
	if opts.local {
		res, err = s.Dispatcher().Call(ctx, parsed.Name, payload, &tool.CallMeta{Provider: provider, Timeout: opts.timeout})
	} else {
		waitForPeer(ctx, s.Communicator(), opts.target, opts.wait)
		res, err = s.Dispatcher().Call(ctx, transport.ToolRemote, transport.RemoteRequest{
			Tool:     parsed.Name,
			Provider: provider,
			Payload:  payload,
			Target:   opts.target,
		}, &tool.CallMeta{Provider: transport.DefaultProviderName, Timeout: opts.timeout})
	}

	if printErr := printResult(out, label, res, err, opts.jsonOut); printErr != nil {
		return printErr
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s failed", label)
	}
	return nil
}

func parsePayload(arg string) (any, error) {
	if arg == "" {
		return nil, nil
	}
	var payload any
	if err := json.Unmarshal([]byte(arg), &payload); err != nil {
		return nil, fmt.Errorf("payload must be JSON: %w", err)
	}
	return payload, nil
}

// waitForPeer returns once a peer (or the target, when set) has answered
// the handshake, or after wait.
func waitForPeer(ctx context.Context, c *transport.Communicator, target string, wait time.Duration) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		for _, conn := range c.Connections() {
			if target == "" || conn.Source == target {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

func printResult(out io.Writer, label string, res *tool.Result, callErr error, jsonOut bool) error {
	if res == nil {
		if callErr == nil {
			return nil
		}
		res = &tool.Result{Error: tool.DetailFromError(callErr)}
	}

	if jsonOut {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	status := color.GreenString("✓")
	if !res.Success {
		status = color.RedString("✗")
	}
	fmt.Fprintf(out, "%s %s %s (%dms)\n", status, color.CyanString(label), color.HiBlackString(res.Meta.ID), res.Meta.ResponseTime)

	if res.Error != nil {
		code := ""
		if res.Error.Code != "" {
			code = " [" + res.Error.Code + "]"
		}
		fmt.Fprintf(out, "  %s%s: %s\n", color.RedString(res.Error.Name), code, res.Error.Message)
		return nil
	}
	if res.Data != nil {
		data, err := json.MarshalIndent(res.Data, "  ", "  ")
		if err != nil {
			return fmt.Errorf("encode data: %w", err)
		}
		fmt.Fprintf(out, "  %s\n", data)
	}
	return nil
}
