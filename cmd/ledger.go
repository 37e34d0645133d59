package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/matflow-sim/sim/store"
)

var (
	ledgerDB        string // SQLite ledger to read
	ledgerRun       string // Run to list trades of (empty = list runs)
	ledgerTime      int64  // Only trades at this step (-1 = all)
	ledgerSender    string
	ledgerReceiver  string
	ledgerCommodity string
	ledgerJSON      bool
)

// ledgerOptions selects what `ledger` prints.
type ledgerOptions struct {
	DBPath string
	RunID  string
	Filter store.TradeFilter
	JSON   bool
}

// ledgerCmd reads back what `run --db` recorded.
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "List recorded runs, or the trades of one run",
	Run: func(cmd *cobra.Command, args []string) {
		if ledgerDB == "" {
			logrus.Fatalf("No ledger provided. Use --db <file.db>.")
		}
		opts := ledgerOptions{
			DBPath: ledgerDB,
			RunID:  ledgerRun,
			JSON:   ledgerJSON,
			Filter: store.TradeFilter{Sender: ledgerSender, Receiver: ledgerReceiver, Commodity: ledgerCommodity},
		}
		if ledgerTime >= 0 {
			opts.Filter.Time = &ledgerTime
		}
		if err := printLedger(cmd.Context(), cmd.OutOrStdout(), opts); err != nil {
			logrus.Fatalf("Reading ledger failed: %v", err)
		}
	},
}

// printLedger writes the runs of the ledger, or the filtered trades of
// opts.RunID, to w.
func printLedger(ctx context.Context, w io.Writer, opts ledgerOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ledger, err := store.NewStore(opts.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = ledger.Close() }()

	if opts.RunID == "" {
		runs, err := ledger.Runs(ctx)
		if err != nil {
			return err
		}
		if opts.JSON {
			return json.NewEncoder(w).Encode(runs)
		}
		for _, r := range runs {
			fmt.Fprintf(w, "%-36s  %6d  %s\n", r.RunID, r.Horizon, r.Scenario)
		}
		return nil
	}

	trades, err := ledger.Trades(ctx, opts.RunID, opts.Filter)
	if err != nil {
		return err
	}
	if opts.JSON {
		return json.NewEncoder(w).Encode(trades)
	}
	for _, tr := range trades {
		fmt.Fprintf(w, "%7d  %-16s -> %-16s  %-12s  %12.6g kg  %s\n",
			tr.Time, tr.Sender, tr.Receiver, tr.Commodity, tr.Quantity, formatComposition(tr.Composition))
	}
	return nil
}

func formatComposition(comp map[string]float64) string {
	ids := make([]string, 0, len(comp))
	for id := range comp {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s:%.4g", id, comp[id])
	}
	return strings.Join(parts, " ")
}

func init() {
	ledgerCmd.Flags().StringVar(&ledgerDB, "db", "", "SQLite ledger written by `run --db`")
	ledgerCmd.Flags().StringVar(&ledgerRun, "run", "", "Run id to list trades of (empty lists runs)")
	ledgerCmd.Flags().Int64Var(&ledgerTime, "time", -1, "Only trades at this step (-1 = every step)")
	ledgerCmd.Flags().StringVar(&ledgerSender, "sender", "", "Only trades from this facility")
	ledgerCmd.Flags().StringVar(&ledgerReceiver, "receiver", "", "Only trades to this facility")
	ledgerCmd.Flags().StringVar(&ledgerCommodity, "commodity", "", "Only trades of this commodity")
	ledgerCmd.Flags().BoolVar(&ledgerJSON, "json", false, "Print JSON instead of a table")

	rootCmd.AddCommand(ledgerCmd)
}
