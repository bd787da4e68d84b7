// The tradectl binary is a read-only inspector: tabular listings of
// trades, proposals, open orders, broker events and system logs from the
// engine's store, plus the broker's closed-position gain/loss report.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/mscarn/dunder_verticals/internal/broker"
	"github.com/mscarn/dunder_verticals/internal/config"
	"github.com/mscarn/dunder_verticals/internal/models"
	"github.com/mscarn/dunder_verticals/internal/storage"
)

func main() {
	var dbPath, configPath string
	var limit int
	flag.StringVar(&dbPath, "db", "trading.db", "path to the engine's SQLite store")
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file (gainloss only)")
	flag.IntVar(&limit, "limit", 50, "maximum rows for events and logs")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	if cmd == "gainloss" {
		if err := printGainLoss(ctx, configPath); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	switch cmd {
	case "trades":
		err = printTrades(ctx, store)
	case "proposals":
		err = printProposals(ctx, store)
	case "orders":
		err = printOrders(ctx, store)
	case "events":
		err = printEvents(ctx, store, limit)
	case "logs":
		err = printLogs(ctx, store, flag.Arg(1), limit)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tradectl [-db path] [-limit n] <trades|proposals|orders|events|logs [type]|gainloss>")
}

// printGainLoss pulls the broker's closed-position report so realized P&L
// can be checked against the engine's own trade records.
func printGainLoss(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	api := broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.Sandbox)
	closed, err := api.GetGainLoss(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Symbol", "Qty", "Cost", "Proceeds", "GainLoss", "Pct", "Opened", "Closed", "Days")
	var total float64
	for _, c := range closed {
		total += c.GainLoss
		table.Append(
			c.Symbol,
			fmt.Sprintf("%.0f", c.Quantity),
			fmt.Sprintf("%.2f", c.Cost),
			fmt.Sprintf("%.2f", c.Proceeds),
			fmt.Sprintf("%.2f", c.GainLoss),
			fmt.Sprintf("%.1f%%", c.GainLossPct),
			c.OpenDate,
			c.CloseDate,
			strconv.Itoa(c.TermDays),
		)
	}
	table.Render()
	fmt.Printf("total realized: %.2f over %d closed positions\n", total, len(closed))
	return nil
}

func printTrades(ctx context.Context, store storage.Interface) error {
	trades, err := store.ListTradesByStatus(ctx,
		models.TradeEntryPending, models.TradeOpen, models.TradeClosingPending,
		models.TradeClosed, models.TradeCancelled)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Symbol", "Strategy", "Exp", "Short", "Long", "Qty", "Entry", "Exit", "PnL", "Status", "Reason")
	for _, tr := range trades {
		table.Append(
			short(tr.ID),
			tr.Symbol,
			string(tr.Strategy),
			tr.Expiration,
			fmt.Sprintf("%.2f", tr.ShortStrike),
			fmt.Sprintf("%.2f", tr.LongStrike),
			strconv.Itoa(tr.Quantity),
			fmt.Sprintf("%.2f", tr.EntryPrice),
			floatOrDash(tr.ExitPrice),
			floatOrDash(tr.RealizedPnL),
			string(tr.Status),
			tr.ExitReason,
		)
	}
	table.Render()
	return nil
}

func printProposals(ctx context.Context, store storage.Interface) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Kind", "Symbol", "Strategy", "Exp", "Short", "Long", "Target", "Score", "Status", "Created")
	for _, status := range []models.ProposalStatus{
		models.ProposalReady, models.ProposalConsumed, models.ProposalInvalidated,
	} {
		props, err := store.ListProposalsByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, p := range props {
			table.Append(
				short(p.ID),
				string(p.Kind),
				p.Symbol,
				string(p.Strategy),
				p.Expiration,
				fmt.Sprintf("%.2f", p.ShortStrike),
				fmt.Sprintf("%.2f", p.LongStrike),
				fmt.Sprintf("%.2f", p.CreditTarget),
				fmt.Sprintf("%.3f", p.Score),
				string(p.Status),
				p.CreatedAt.Format(time.RFC3339),
			)
		}
	}
	table.Render()
	return nil
}

func printOrders(ctx context.Context, store storage.Interface) error {
	orders, err := store.ListOpenOrders(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Side", "ClientOrderID", "BrokerOrderID", "Status", "Fill", "Updated")
	for _, o := range orders {
		table.Append(
			short(o.ID),
			string(o.Side),
			o.ClientOrderID,
			o.BrokerOrderID,
			string(o.Status),
			floatOrDash(o.AvgFillPrice),
			o.UpdatedAt.Format(time.RFC3339),
		)
	}
	table.Render()
	return nil
}

func printEvents(ctx context.Context, store storage.Interface, limit int) error {
	events, err := store.ListBrokerEvents(ctx, limit)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("When", "Operation", "Symbol", "OrderID", "OK", "ms", "Mode", "Error")
	for _, e := range events {
		table.Append(
			e.CreatedAt.Format("01-02 15:04:05"),
			e.Operation,
			e.Symbol,
			e.OrderID,
			strconv.FormatBool(e.OK),
			strconv.FormatInt(e.DurationMs, 10),
			string(e.Mode),
			truncate(e.ErrorMessage, 48),
		)
	}
	table.Render()
	return nil
}

func printLogs(ctx context.Context, store storage.Interface, logType string, limit int) error {
	logs, err := store.ListSystemLogs(ctx, logType, limit)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("When", "Type", "Message", "Details")
	for _, l := range logs {
		table.Append(
			l.CreatedAt.Format("01-02 15:04:05"),
			l.LogType,
			l.Message,
			truncate(l.Details, 64),
		)
	}
	table.Render()
	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func floatOrDash(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
