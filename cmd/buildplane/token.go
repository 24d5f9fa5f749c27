package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drewstone/docker-builder-platform/pkg/jwt"
)

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Mint an API token signed with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd, "token")
		if err != nil {
			return err
		}
		if cfg.API.JWTSecret == "" {
			return errors.New("JWT_SECRET is not set")
		}
		roleFlag, _ := cmd.Flags().GetString("role")
		role, err := jwt.ParseRole(roleFlag)
		if err != nil {
			return err
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		keys, err := jwt.NewKeyring(cfg.API.JWTSecret)
		if err != nil {
			return err
		}
		token, err := keys.Mint(args[0], role, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("role", string(jwt.RoleDeveloper), "Token role (developer|operator)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}
