package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	jwttoken "actnexus/internal/jwt_token"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the service key",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject = strings.TrimSpace(subject)
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			auth := ctx.cfg().Auth
			svc := jwttoken.NewJWTService(auth.JWTSigningKey, auth.Issuer, auth.Audience)
			token, err := svc.GenerateAccessToken(subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject, recorded as the actor")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to grant; repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
