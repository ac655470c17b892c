package main

import (
	"fmt"
	"time"

	"github.com/glimte/rpcbridge/auth"
	"github.com/spf13/cobra"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token signed with RPCBRIDGE_TOKEN_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.TokenSecret == "" {
				return fmt.Errorf("RPCBRIDGE_TOKEN_SECRET is not set")
			}
			resolver, err := auth.NewTokenResolver(auth.TokenConfig{Secret: []byte(a.cfg.TokenSecret)})
			if err != nil {
				return err
			}
			token, err := resolver.Issue(args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&roles, "role", "r", nil, "role to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
