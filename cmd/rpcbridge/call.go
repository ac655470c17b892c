package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/glimte/rpcbridge/bridge"
	"github.com/glimte/rpcbridge/contracts"
	"github.com/spf13/cobra"
)

func newCallCmd(a *app) *cobra.Command {
	var (
		token   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <model> <id|static> <method> [args...]",
		Short: "Invoke a model method and print the reply",
		Long: `Call publishes one request and waits for its reply. Each argument is parsed
as JSON; anything that is not valid JSON is sent as a string.`,
		Example: `  rpcbridge call Widget static count
  rpcbridge call Widget static create '{"name":"sprocket"}'
  rpcbridge call Widget 42 updateAttributes '{"name":"cog"}' --token "$TOKEN"`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			manager, ch, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer manager.Close()

			caller, err := bridge.NewCaller(ctx, ch, a.cfg.Broker, bridge.WithLogger(a.logger))
			if err != nil {
				return err
			}
			defer caller.Close()

			req := contracts.Request{
				Model:  args[0],
				ID:     args[1],
				Method: args[2],
				Token:  token,
				Args:   parseArgs(args[3:]),
			}
			reply, err := caller.Call(ctx, req, timeout)
			if err != nil {
				return err
			}
			return printReply(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().StringVarP(&token, "token", "t", "", "access token")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the reply")
	return cmd
}

// parseArgs keeps valid JSON as is and quotes everything else
func parseArgs(args []string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		if json.Valid([]byte(arg)) {
			out = append(out, json.RawMessage(arg))
			continue
		}
		quoted, _ := json.Marshal(arg)
		out = append(out, quoted)
	}
	return out
}

// printReply writes the data indented, or returns the remote error
func printReply(w io.Writer, reply bridge.Reply) error {
	if reply.Err != nil {
		return fmt.Errorf("remote error: %w", reply.Err)
	}
	if len(reply.Data) == 0 {
		fmt.Fprintln(w, "null")
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, reply.Data, "", "  "); err != nil {
		return err
	}
	fmt.Fprintln(w, buf.String())
	return nil
}
