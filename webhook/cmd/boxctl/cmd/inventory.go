package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ticketdesk/boxoffice/common/database"
	"github.com/ticketdesk/boxoffice/webhook/cmd/boxctl/output"
	"github.com/ticketdesk/boxoffice/webhook/internal/config"
	"github.com/ticketdesk/boxoffice/webhook/internal/inventory"
	"github.com/ticketdesk/boxoffice/webhook/internal/notify"
)

var inventoryCmd = &cobra.Command{
	Use:     "inventory",
	Aliases: []string{"inv"},
	Short:   "Provision and inspect sellable capacity",
	Long: `Work directly against the configured inventory store (Postgres or Redis).

Changes take effect immediately for every running webhook instance that shares
the store.`,
}

var inventoryProvisionCmd = &cobra.Command{
	Use:   "provision [resource] [tier]",
	Short: "Set the capacity of a resource tier",
	Long: `Set the capacity of a resource tier, creating it if needed.

On an existing tier the sold count is kept (or raised to --sold when that is
higher), so re-running a provisioning file after sales started is safe.
Capacity below the sold count is refused. --overwrite-sold replaces the sold
count and can reopen seats that were already sold.`,
	Example: `  boxctl inventory provision dallas ga --capacity 200
  boxctl inventory provision --file inventory.yaml`,
	Args: cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		capacity, _ := cmd.Flags().GetInt("capacity")
		sold, _ := cmd.Flags().GetInt("sold")
		overwriteSold, _ := cmd.Flags().GetBool("overwrite-sold")

		var items []provisionItem
		switch {
		case file != "" && len(args) > 0:
			return errors.New("pass either --file or a resource and tier, not both")
		case file != "":
			var err error
			if items, err = readProvisionFile(file); err != nil {
				return err
			}
		case len(args) == 2:
			if !cmd.Flags().Changed("capacity") {
				return errors.New("--capacity is required")
			}
			items = []provisionItem{{ResourceID: args[0], Tier: args[1], TotalCapacity: capacity, ReservedOrSold: sold}}
		default:
			return errors.New("resource and tier are required")
		}

		ledger, closeFn, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		records := make([]recordView, 0, len(items))
		for _, it := range items {
			key := inventory.ResourceKey{ResourceID: it.ResourceID, Tier: it.Tier}
			rec, err := ledger.Provision(cmd.Context(), key, it.TotalCapacity, it.ReservedOrSold, overwriteSold)
			if err != nil {
				return fmt.Errorf("provision %s: %w", key, err)
			}
			records = append(records, newRecordView(*rec))
		}

		if handled, err := output.Structured(format, records); handled {
			return err
		}
		for _, r := range records {
			output.Success("Provisioned %s/%s: %d of %d available", r.ResourceID, r.Tier, r.Available, r.TotalCapacity)
		}
		return nil
	},
}

var inventoryResetCmd = &cobra.Command{
	Use:   "reset <resource> <tier>",
	Short: "Delete a resource tier and its recorded decrements",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := inventory.ResourceKey{ResourceID: args[0], Tier: args[1]}
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("reset removes %s and its idempotency tokens; rerun with --yes to confirm", key)
		}

		ledger, closeFn, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if err := ledger.Reset(cmd.Context(), key); err != nil {
			return fmt.Errorf("reset %s: %w", key, err)
		}
		output.Success("Reset %s", key)
		return nil
	},
}

var inventoryShowCmd = &cobra.Command{
	Use:   "show [resource] [tier]",
	Short: "Show one resource tier, or every provisioned one",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return errors.New("pass a resource and tier, or nothing to list all")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ledger, closeFn, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		var records []inventory.Record
		if len(args) == 2 {
			rec, err := ledger.Get(cmd.Context(), inventory.ResourceKey{ResourceID: args[0], Tier: args[1]})
			if err != nil {
				return err
			}
			records = []inventory.Record{*rec}
		} else if records, err = ledger.List(cmd.Context()); err != nil {
			return err
		}

		views := make([]recordView, len(records))
		for i, r := range records {
			views[i] = newRecordView(r)
		}
		if handled, err := output.Structured(format, views); handled {
			return err
		}

		if len(views) == 0 {
			output.Info("No inventory provisioned")
			return nil
		}
		table := output.NewTable("RESOURCE", "TIER", "CAPACITY", "SOLD", "AVAILABLE", "LAST MILESTONE", "UPDATED")
		for _, v := range views {
			milestone := "-"
			if v.LastMilestone != inventory.NoMilestone {
				milestone = strconv.Itoa(v.LastMilestone)
			}
			table.AddRow(v.ResourceID, v.Tier,
				strconv.Itoa(v.TotalCapacity), strconv.Itoa(v.ReservedOrSold), strconv.Itoa(v.Available),
				milestone, v.UpdatedAt.Format(time.RFC3339))
		}
		table.Render()
		return nil
	},
}

type provisionItem struct {
	ResourceID     string `yaml:"resource_id"`
	Tier           string `yaml:"tier"`
	TotalCapacity  int    `yaml:"total_capacity"`
	ReservedOrSold int    `yaml:"reserved_or_sold"`
}

type provisionFile struct {
	Resources []provisionItem `yaml:"resources"`
}

func readProvisionFile(path string) ([]provisionItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var f provisionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(f.Resources) == 0 {
		return nil, fmt.Errorf("%s lists no resources", path)
	}
	return f.Resources, nil
}

type recordView struct {
	ResourceID     string    `json:"resource_id" yaml:"resource_id"`
	Tier           string    `json:"tier" yaml:"tier"`
	TotalCapacity  int       `json:"total_capacity" yaml:"total_capacity"`
	ReservedOrSold int       `json:"reserved_or_sold" yaml:"reserved_or_sold"`
	Available      int       `json:"available" yaml:"available"`
	LastMilestone  int       `json:"last_milestone" yaml:"last_milestone"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"updated_at"`
}

func newRecordView(r inventory.Record) recordView {
	return recordView{
		ResourceID:     r.Key.ResourceID,
		Tier:           r.Key.Tier,
		TotalCapacity:  r.TotalCapacity,
		ReservedOrSold: r.ReservedOrSold,
		Available:      r.Available(),
		LastMilestone:  r.LastMilestone,
		UpdatedAt:      r.UpdatedAt,
	}
}

// openLedger connects to the inventory store the service is configured
// with. The in-process backend is refused since it would not be shared.
func openLedger(ctx context.Context) (*inventory.Ledger, func(), error) {
	c, err := loadedConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := cliLogger()
	ledgerCfg := inventory.Config{Thresholds: c.Inventory.Thresholds, StoreTimeout: c.Inventory.StoreTimeout}

	switch c.ResolveBackend(c.Inventory.Backend) {
	case config.BackendPostgres:
		if c.Postgres.URL == "" {
			return nil, nil, errors.New("inventory backend is postgres but postgres.url is not set")
		}
		pool, err := database.NewPostgresPool(ctx, database.PostgresConfig{URL: c.Postgres.URL, MaxConns: 2, MinConns: 1})
		if err != nil {
			return nil, nil, err
		}
		return inventory.New(inventory.NewPostgresStore(pool), notify.NewLogNotifier(logger), ledgerCfg, logger), pool.Close, nil
	case config.BackendRedis:
		if c.Redis.URL == "" {
			return nil, nil, errors.New("inventory backend is redis but redis.url is not set")
		}
		rdb, err := database.NewRedisClient(c.Redis.URL, c.Redis.CommandTimeout, c.Redis.ConnectTimeout)
		if err != nil {
			return nil, nil, err
		}
		return inventory.New(inventory.NewRedisStore(rdb), notify.NewLogNotifier(logger), ledgerCfg, logger), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, errors.New("inventory backend is in-process memory; set postgres.url or redis.url to reach a shared store")
	}
}

func init() {
	rootCmd.AddCommand(inventoryCmd)
	inventoryCmd.AddCommand(inventoryProvisionCmd, inventoryResetCmd, inventoryShowCmd)

	inventoryProvisionCmd.Flags().Int("capacity", 0, "total sellable capacity")
	inventoryProvisionCmd.Flags().Int("sold", 0, "quantity already reserved or sold")
	inventoryProvisionCmd.Flags().Bool("overwrite-sold", false, "replace the stored sold count instead of keeping it")
	inventoryProvisionCmd.Flags().StringP("file", "f", "", "YAML file listing resources to provision")
	inventoryResetCmd.Flags().Bool("yes", false, "confirm the reset")
}
