package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ticketdesk/boxoffice/common/httputil"
	"github.com/ticketdesk/boxoffice/webhook/cmd/boxctl/output"
	"github.com/ticketdesk/boxoffice/webhook/internal/adminauth"
	"github.com/ticketdesk/boxoffice/webhook/internal/handlers"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and purge the dead-letter queue",
	Long: `Read the dead-letter queue of a running service through its /admin/dlq
routes. Requests carry a short-lived admin token signed with admin.jwt_secret.`,
}

var dlqListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List dead-lettered events",
	Example: `  boxctl dlq list --limit 20 --url http://webhook:8095`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}

		var list handlers.DeadLetterList
		path := "/admin/dlq?limit=" + strconv.Itoa(limit)
		if err := client.do(cmd.Context(), http.MethodGet, path, &list); err != nil {
			return err
		}
		if handled, err := output.Structured(format, list); handled {
			return err
		}

		if list.Count == 0 {
			output.Info("Dead-letter queue is empty")
			return nil
		}
		table := output.NewTable("TIME", "SOURCE", "EVENT", "TYPE", "REASON", "ERROR")
		for _, f := range list.Events {
			source, id, eventType := "-", "-", "-"
			if f.Event != nil {
				source, id, eventType = string(f.Event.Source), f.Event.EventID, f.Event.EventType
			}
			table.AddRow(f.Timestamp.Format(time.RFC3339), source, id, eventType, f.Reason, f.Error)
		}
		table.Render()
		return nil
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter stream statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}

		stats := map[string]any{}
		if err := client.do(cmd.Context(), http.MethodGet, "/admin/dlq/stats", &stats); err != nil {
			return err
		}
		if handled, err := output.Structured(format, stats); handled {
			return err
		}

		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		table := output.NewTable("KEY", "VALUE")
		for _, k := range keys {
			table.AddRow(k, fmt.Sprint(stats[k]))
		}
		table.Render()
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead-lettered event",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("purge deletes every dead-lettered event; rerun with --yes to confirm")
		}
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		if err := client.do(cmd.Context(), http.MethodDelete, "/admin/dlq", nil); err != nil {
			return err
		}
		output.Success("Purged dead-letter queue")
		return nil
	},
}

type adminClient struct {
	base   string
	token  string
	client *http.Client
}

// newAdminClient resolves the service URL and mints a token for one command.
func newAdminClient(cmd *cobra.Command) (*adminClient, error) {
	c, err := loadedConfig()
	if err != nil {
		return nil, err
	}
	base, _ := cmd.Flags().GetString("url")
	secret, _ := cmd.Flags().GetString("secret")
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid --url: %w", err)
	}
	if secret == "" {
		secret = c.Admin.JWTSecret
	}

	tokens, err := adminauth.NewTokens(secret)
	if err != nil {
		return nil, err
	}
	token, err := tokens.Issue("boxctl", []string{adminauth.RoleAdmin}, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return &adminClient{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do sends one admin request and decodes a successful body into out.
func (a *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		var e httputil.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, e.Error, e.Code)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqPurgeCmd)

	dlqCmd.PersistentFlags().String("url", "", "service base URL (default http://localhost:<server.port>)")
	dlqCmd.PersistentFlags().String("secret", "", "admin signing secret (overrides admin.jwt_secret)")
	dlqListCmd.Flags().Int("limit", 100, "maximum entries to list (1-1000)")
	dlqPurgeCmd.Flags().BoolP("yes", "y", false, "confirm the purge")
}
