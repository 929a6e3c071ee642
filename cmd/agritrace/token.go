package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"agritrace/internal/adapters/httpapi"
	"agritrace/pkg/domain"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var (
		role  string
		admin bool
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <address>",
		Short: "Issue a bearer token signed with the configured JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cfg.HTTP.JWTSecret == "" {
				return errors.New("AGRITRACE_HTTP_JWT_SECRET is not set")
			}
			r := domain.Role(role)
			if role != "" && !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			token, err := httpapi.IssueToken([]byte(cfg.HTTP.JWTSecret), args[0], r, admin, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "participant role: farmer|certifier|retailer")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
