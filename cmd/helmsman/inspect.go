package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"helmsman/internal/store/cyclelog"
	"helmsman/internal/store/gormstore"

	"github.com/spf13/cobra"
)

var (
	statusTrades int
	cyclesLimit  int
	cyclesExec   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted account, open position and recent trades",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Print the persisted agent weights",
	Args:  cobra.NoArgs,
	RunE:  runWeights,
}

var cyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "List recent decision cycles from the cycle journal",
	Args:  cobra.NoArgs,
	RunE:  runCycles,
}

func init() {
	statusCmd.Flags().IntVarP(&statusTrades, "trades", "n", 10, "number of recent trades to show")
	cyclesCmd.Flags().IntVarP(&cyclesLimit, "limit", "n", 20, "number of cycles to show")
	cyclesCmd.Flags().BoolVar(&cyclesExec, "executed", false, "only cycles that opened a position")
}

func openStateStore() (*gormstore.GormStore, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	if cfg.Storage.Driver != "sqlite" {
		return nil, "", fmt.Errorf("storage driver %q keeps no durable state", cfg.Storage.Driver)
	}
	st, err := gormstore.NewGormStore(cfg.Storage.Path)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", cfg.Storage.Path, err)
	}
	return st, cfg.App.Symbol, nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	st, symbol, err := openStateStore()
	if err != nil {
		return err
	}
	defer st.Close()

	state, found, err := st.LoadLedger(cmd.Context(), symbol, statusTrades, 1)
	if err != nil {
		return err
	}
	if !found {
		fmt.Printf("%s: no persisted state yet\n", symbol)
		return nil
	}
	acc := state.Account
	fmt.Printf("%s  equity=%.2f balance=%.2f margin=%.2f realized=%.2f trades=%d (W%d/L%d)\n",
		symbol, acc.TotalEquity(), acc.Balance, acc.UsedMargin, acc.RealizedPnL, acc.TotalTrades, acc.WinningTrades, acc.LosingTrades)
	if p := state.Position; p != nil {
		fmt.Printf("position  %s %dx size=%.6f entry=%.4f tp=%.4f sl=%.4f liq=%.4f opened=%s\n",
			p.Direction, p.Leverage, p.Size, p.EntryPrice, p.TakeProfit, p.StopLoss, p.LiquidationPrice, p.OpenedAt.Format(time.RFC3339))
	} else {
		fmt.Println("position  flat")
	}
	if len(state.Trades) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nCLOSED\tDIR\tLEV\tENTRY\tEXIT\tPNL\tREASON")
	for i := len(state.Trades) - 1; i >= 0; i-- {
		t := state.Trades[i]
		fmt.Fprintf(w, "%s\t%s\t%dx\t%.4f\t%.4f\t%.2f\t%s\n",
			t.ClosedAt.Format("01-02 15:04"), t.Direction, t.Leverage, t.EntryPrice, t.ExitPrice, t.PnL, t.Reason)
	}
	return w.Flush()
}

func runWeights(cmd *cobra.Command, _ []string) error {
	st, _, err := openStateStore()
	if err != nil {
		return err
	}
	defer st.Close()

	weights, err := st.LoadWeights(cmd.Context())
	if err != nil {
		return err
	}
	if len(weights) == 0 {
		fmt.Println("no weights persisted; every agent starts at 1.00")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tWEIGHT\tCORRECT\tINCORRECT")
	for _, aw := range weights {
		fmt.Fprintf(w, "%s\t%.2f\t%d\t%d\n", aw.AgentID, aw.Weight, aw.Correct, aw.Incorrect)
	}
	return w.Flush()
}

func runCycles(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := cyclelog.NewStore(cfg.Storage.CycleLogPath, 0)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	records, err := j.List(ctx, cyclelog.Query{Symbol: cfg.App.Symbol, ExecutedOnly: cyclesExec, Limit: cyclesLimit})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTRACE\tSIGNAL\tCONF\tEXECUTED\tNOTE")
	for _, rec := range records {
		note := rec.Signal.HoldReason
		if note == "" {
			note = rec.Signal.Summary
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%v\t%s\n",
			rec.StartedAt.Format("01-02 15:04"), rec.TraceID, rec.Signal.Direction, rec.Signal.Confidence, rec.Signal.Executed, note)
	}
	return w.Flush()
}
