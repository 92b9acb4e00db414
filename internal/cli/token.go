package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/restaurant-reservation/internal/config"
	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/utils"
)

func newTokenCmd() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET is required")
			}
			r := model.Role(strings.ToUpper(role))
			switch r {
			case model.RoleCustomer, model.RoleStore, model.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			tok, err := utils.NewAccessToken(secret, userID, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "subject (user id) of the token")
	cmd.Flags().StringVar(&role, "role", string(model.RoleCustomer), "CUSTOMER, STORE or ADMIN")
	cmd.Flags().DurationVar(&ttl, "ttl", config.AccessTokenTTL(), "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
