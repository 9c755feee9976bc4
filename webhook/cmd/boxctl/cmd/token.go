package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/ticketdesk/boxoffice/webhook/cmd/boxctl/output"
	"github.com/ticketdesk/boxoffice/webhook/internal/adminauth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin bearer token",
	Long: `Sign a token with admin.jwt_secret for the /admin routes.

The token is printed alone so it can be captured in a shell variable.`,
	Example: `  TOKEN=$(boxctl token --subject ops --ttl 30m)
  curl -H "Authorization: Bearer $TOKEN" localhost:8095/admin/inventory`,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		roles, _ := cmd.Flags().GetStringSlice("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		secret, _ := cmd.Flags().GetString("secret")

		c, err := loadedConfig()
		if err != nil {
			return err
		}
		if secret == "" {
			secret = c.Admin.JWTSecret
		}
		if ttl <= 0 {
			ttl = c.Admin.TokenTTL
		}
		if subject == "" {
			return errors.New("--subject is required")
		}

		tokens, err := adminauth.NewTokens(secret)
		if err != nil {
			return err
		}
		token, err := tokens.Issue(subject, roles, ttl)
		if err != nil {
			return err
		}

		result := struct {
			Token     string    `json:"token" yaml:"token"`
			Subject   string    `json:"subject" yaml:"subject"`
			Roles     []string  `json:"roles" yaml:"roles"`
			ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
		}{token, subject, roles, time.Now().Add(ttl).UTC()}
		if handled, err := output.Structured(format, result); handled {
			return err
		}
		output.Plain("%s", token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("subject", "boxctl", "token subject")
	tokenCmd.Flags().StringSlice("role", []string{adminauth.RoleAdmin}, "roles to grant")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default admin.token_ttl)")
	tokenCmd.Flags().String("secret", "", "signing secret (overrides admin.jwt_secret)")
}
