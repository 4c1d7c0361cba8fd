package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/flowmetrics/pkg/config"
	jwtpkg "github.com/splax/flowmetrics/pkg/jwt"
)

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a read token for dashboards and scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(secret) == "" {
				return errors.New("--secret or JWT_SECRET is required")
			}
			if strings.TrimSpace(subject) == "" {
				return errors.New("--subject is required")
			}
			token, err := jwtpkg.GenerateToken(subject, jwtpkg.ScopeRead, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.stdout, token)
			return nil
		},
	}
	// Only flag defaults come from here; invalid values already fell back.
	cfg, _ := config.LoadMetricsConfig()
	cmd.Flags().StringVar(&secret, "secret", cfg.JWTSecret, "signing secret shared with the API")
	cmd.Flags().StringVar(&subject, "subject", "metricsctl", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", cfg.ReadTokenTTL, "token lifetime")
	return cmd
}
