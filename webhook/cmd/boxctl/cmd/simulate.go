package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/ticketdesk/boxoffice/webhook/cmd/boxctl/output"
	"github.com/ticketdesk/boxoffice/webhook/internal/config"
	"github.com/ticketdesk/boxoffice/webhook/internal/fulfillment"
	"github.com/ticketdesk/boxoffice/webhook/internal/gate"
	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Send signed fake checkout events to a running service",
	Long: `Generate completed checkouts with fake customers, sign them with the
configured source secret and POST them to /webhooks/<source>.

With --redeliver every event is sent a second time with a fresh signature, the
way a provider retries, which the service should answer as a duplicate.`,
	Example: `  boxctl simulate --resource dallas --tier ga --count 20
  boxctl simulate --source lemonsqueezy --resource dallas --tier vip --quantity 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := simulateOptions{}
		opts.url, _ = cmd.Flags().GetString("url")
		opts.source, _ = cmd.Flags().GetString("source")
		opts.resource, _ = cmd.Flags().GetString("resource")
		opts.tier, _ = cmd.Flags().GetString("tier")
		opts.quantity, _ = cmd.Flags().GetInt("quantity")
		opts.count, _ = cmd.Flags().GetInt("count")
		opts.interval, _ = cmd.Flags().GetDuration("interval")
		opts.redeliver, _ = cmd.Flags().GetBool("redeliver")
		opts.seed, _ = cmd.Flags().GetInt64("seed")
		secret, _ := cmd.Flags().GetString("secret")

		if opts.resource == "" || opts.tier == "" {
			return fmt.Errorf("--resource and --tier are required")
		}
		if opts.count < 1 || opts.quantity < 1 {
			return fmt.Errorf("--count and --quantity must be positive")
		}
		src, err := sourceConfig(opts.source, secret)
		if err != nil {
			return err
		}
		if opts.url == "" {
			c, _ := loadedConfig()
			opts.url = fmt.Sprintf("http://localhost:%d", c.Server.Port)
		}

		report, err := newSimulator(src, opts).run()
		if err != nil {
			return err
		}
		if handled, err := output.Structured(format, report); handled {
			return err
		}
		report.render()
		return nil
	},
}

type simulateOptions struct {
	url       string
	source    string
	resource  string
	tier      string
	quantity  int
	count     int
	interval  time.Duration
	redeliver bool
	seed      int64
}

type simulator struct {
	src    config.SourceConfig
	opts   simulateOptions
	client *http.Client
	now    func() time.Time
}

func newSimulator(src config.SourceConfig, opts simulateOptions) *simulator {
	return &simulator{
		src:    src,
		opts:   opts,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// simulateReport counts responses by HTTP status and dispatch outcome.
type simulateReport struct {
	Sent     int            `json:"sent" yaml:"sent"`
	Failed   int            `json:"failed" yaml:"failed"`
	Statuses map[string]int `json:"statuses" yaml:"statuses"`
	Outcomes map[string]int `json:"outcomes" yaml:"outcomes"`
}

func (r *simulateReport) render() {
	output.Success("Sent %d webhook(s), %d transport failure(s)", r.Sent, r.Failed)
	table := output.NewTable("RESULT", "COUNT")
	for _, k := range sortedKeys(r.Statuses) {
		table.AddRow("HTTP "+k, strconv.Itoa(r.Statuses[k]))
	}
	for _, k := range sortedKeys(r.Outcomes) {
		table.AddRow(k, strconv.Itoa(r.Outcomes[k]))
	}
	table.Render()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *simulator) run() (*simulateReport, error) {
	seed := s.opts.seed
	if seed == 0 {
		seed = s.now().UnixNano()
	}
	gofakeit.Seed(seed)

	endpoint := strings.TrimRight(s.opts.url, "/") + "/webhooks/" + s.opts.source
	report := &simulateReport{Statuses: map[string]int{}, Outcomes: map[string]int{}}

	for i := 0; i < s.opts.count; i++ {
		body, err := s.event()
		if err != nil {
			return nil, err
		}

		deliveries := 1
		if s.opts.redeliver {
			deliveries = 2
		}
		for d := 0; d < deliveries; d++ {
			// A retry is signed at a later second, as providers do.
			signedAt := s.now().Add(time.Duration(d) * time.Second)
			status, outcome, err := s.post(endpoint, body, signedAt)
			report.Sent++
			if err != nil {
				report.Failed++
				output.Warn("delivery %d failed: %v", i+1, err)
				continue
			}
			report.Statuses[strconv.Itoa(status)]++
			if outcome != "" {
				report.Outcomes[outcome]++
			}
		}

		if s.opts.interval > 0 && i < s.opts.count-1 {
			time.Sleep(s.opts.interval)
		}
	}
	return report, nil
}

func (s *simulator) post(endpoint string, body []byte, signedAt time.Time) (int, string, error) {
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(s.src.Header, gate.Sign(models.SignatureScheme(s.src.Scheme), s.src.Secret, body, signedAt))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	var decoded struct {
		Outcome string `json:"outcome"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &decoded)
	return resp.StatusCode, decoded.Outcome, nil
}

// event builds a completed-checkout body in the source's wire shape.
func (s *simulator) event() ([]byte, error) {
	metadata := map[string]string{
		fulfillment.MetaResourceID: s.opts.resource,
		fulfillment.MetaTier:       s.opts.tier,
		fulfillment.MetaQuantity:   strconv.Itoa(s.opts.quantity),
	}
	name := gofakeit.Name()
	email := gofakeit.Email()
	amount := int64(gofakeit.Price(20, 250)*100) * int64(s.opts.quantity)

	if models.Source(s.opts.source) == models.SourceLemonSqueezy {
		return json.Marshal(map[string]any{
			"meta": map[string]any{
				"event_name":  "order_created",
				"event_id":    gofakeit.UUID(),
				"test_mode":   true,
				"custom_data": metadata,
			},
			"data": map[string]any{
				"type": "orders",
				"id":   strconv.Itoa(gofakeit.Number(100000, 999999)),
				"attributes": map[string]any{
					"total":      amount,
					"currency":   "USD",
					"user_email": email,
					"user_name":  name,
				},
			},
		})
	}

	return json.Marshal(map[string]any{
		"id":       "evt_" + compactUUID(),
		"type":     "checkout.session.completed",
		"created":  s.now().Unix(),
		"livemode": false,
		"data": map[string]any{
			"object": map[string]any{
				"id":           "cs_test_" + compactUUID(),
				"amount_total": amount,
				"currency":     "usd",
				"customer_details": map[string]string{
					"email": email,
					"name":  name,
				},
				"metadata": metadata,
			},
		},
	})
}

func compactUUID() string {
	return strings.ReplaceAll(gofakeit.UUID(), "-", "")
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().String("url", "", "service base URL (default http://localhost:<server.port>)")
	simulateCmd.Flags().StringP("source", "s", string(models.SourceStripe), "webhook source")
	simulateCmd.Flags().String("secret", "", "signing secret (overrides the configured one)")
	simulateCmd.Flags().String("resource", "", "resource id to buy")
	simulateCmd.Flags().String("tier", "", "tier to buy")
	simulateCmd.Flags().IntP("quantity", "q", 1, "tickets per order")
	simulateCmd.Flags().IntP("count", "n", 1, "number of orders")
	simulateCmd.Flags().Duration("interval", 0, "pause between orders")
	simulateCmd.Flags().Bool("redeliver", false, "send every event twice")
	simulateCmd.Flags().Int64("seed", 0, "fake data seed (default time based)")
}
