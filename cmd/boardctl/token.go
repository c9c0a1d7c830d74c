package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

// signTestToken returns an HS256 token accepted by the service when it runs
// with AUTH0_TEST_MODE=1 and the same secret.
func signTestToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("test jwt secret is not set (use --secret or BOARDCTL_SECRET)")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}

func (a *app) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <userId>",
		Short: "Sign a bearer token for a service running in test mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl := a.v.GetDuration("ttl")
			if ttl <= 0 {
				return fmt.Errorf("ttl must be positive")
			}
			tok, err := signTestToken([]byte(a.v.GetString("secret")), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("secret", "", "HS256 secret shared with the service (TEST_JWT_SECRET)")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	_ = a.v.BindPFlag("secret", cmd.Flags().Lookup("secret"))
	_ = a.v.BindPFlag("ttl", cmd.Flags().Lookup("ttl"))
	return cmd
}
