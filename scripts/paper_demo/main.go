package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"bot-core/internal/advisor"
	"bot-core/internal/engine"
	"bot-core/internal/events"
	"bot-core/internal/gateway"
	"bot-core/internal/monitor"
	"bot-core/internal/report"
	"bot-core/internal/risk"
	"bot-core/internal/strategy"
	"bot-core/pkg/cache"
	"bot-core/pkg/db"
	"bot-core/pkg/exchanges/paper"
)

// paper_demo runs strategies from a YAML file against the simulated venue
// with an in-memory database. Nothing touches a real exchange.
//
// Usage (from the repository root):
//
//	go run ./scripts/paper_demo -strategies examples/strategies.yaml -duration 2m -out demo.xlsx
func main() {
	strategiesPath := flag.String("strategies", "examples/strategies.yaml", "strategy YAML file")
	duration := flag.Duration("duration", 2*time.Minute, "how long to run")
	interval := flag.Int("interval", 5, "analysis interval override in seconds (0 keeps the cadence)")
	equity := flag.Float64("equity", 10000, "paper equity in USDT")
	out := flag.String("out", "", "write closed trades to this .xlsx file")
	flag.Parse()

	log.Println("=== PAPER demo starting ===")

	cfgs, err := strategy.LoadConfig(*strategiesPath)
	if err != nil {
		log.Fatalf("load strategies: %v", err)
	}
	symbols := make([]string, 0, len(cfgs))
	for _, c := range cfgs {
		symbols = append(symbols, c.Symbol)
	}

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	queries := database.Queries()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	bus := events.NewBus()
	(&monitor.Monitor{Bus: bus, Sinks: []monitor.AlertSink{monitor.LogSink{}}}).Start(ctx)

	gwCfg := gateway.DefaultConfig()
	gwCfg.DefaultExchange = gateway.ExchangePaper
	gateways := gateway.NewManager(queries, nil, gateway.NewFactory(0, gateway.PaperOptions{
		Venue:    paper.Options{Equity: *equity, FeeRate: 0.0004, SlippageBps: 2},
		Feed:     paper.Feed{Symbols: symbols, Timeframe: "1m", StepPct: 0.004},
		Backfill: 300,
	}), gwCfg)
	gateways.Start(ctx)
	defer gateways.Stop()

	orch := engine.New(engine.Deps{
		Store:    queries,
		Gateways: gateways,
		Risks:    risk.NewRegistry(),
		Advisor:  advisor.NewService(nil),
		Bus:      bus,
		Prices:   cache.NewPriceCache(),
		Metrics:  monitor.NewSystemMetrics(),
	}, engine.Config{MaxBotsPerAccount: len(cfgs), Meta: engine.SystemStatus{Mode: "paper", Venue: gateway.ExchangePaper}})
	orch.Start(ctx)

	const account = "paper-demo"
	if err := database.CreateUser(ctx, db.User{ID: account, Email: "demo@paper.local", PasswordHash: "-"}); err != nil {
		log.Fatalf("create demo account: %v", err)
	}
	for _, c := range cfgs {
		if *interval > 0 {
			c.IntervalSeconds = *interval
		}
		b, err := orch.CreateBot(ctx, account, "", c)
		if err != nil {
			log.Fatalf("create bot %s: %v", c.ID, err)
		}
		if err := orch.StartBot(ctx, account, b.ID); err != nil {
			log.Fatalf("start bot %s: %v", b.ID, err)
		}
		log.Printf("[SCENARIO] %s on %s every %s", b.ID, c.Symbol, c.Interval())
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	statuses, _ := orch.ListBots(stopCtx, account)
	orch.Shutdown(stopCtx, true)

	printStatuses(statuses)
	trades, err := queries.GetTradesByUser(stopCtx, account, 1000)
	if err != nil {
		log.Fatalf("load trades: %v", err)
	}
	printSummary(report.Summarize(trades))

	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("create %s: %v", *out, err)
		}
		defer f.Close()
		if err := report.WriteTradesXLSX(f, trades); err != nil {
			log.Fatalf("write report: %v", err)
		}
		log.Printf("trades written to %s", *out)
	}
	log.Println("=== PAPER demo finished ===")
}

func printStatuses(statuses []engine.BotStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("BOTS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Bot", "Symbol", "Status", "Cycles", "Signals", "Trades", "Equity"})
	for _, s := range statuses {
		row := table.Row{s.ID, s.Symbol, s.Status, "-", "-", "-", "-"}
		if r := s.Runtime; r != nil {
			row = table.Row{s.ID, s.Symbol, r.Status, r.Cycles, r.Signals, r.Trades, fmt.Sprintf("%.2f", r.Equity)}
		}
		t.AppendRow(row)
	}
	t.Render()
	fmt.Println()
}

func printSummary(rows []report.BotSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("CLOSED TRADES")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Bot", "Symbol", "Trades", "Win rate", "Fees", "PnL"})
	for _, r := range rows {
		pnl := text.FgGreen.Sprintf("%.2f", r.PnL)
		if r.PnL < 0 {
			pnl = text.FgRed.Sprintf("%.2f", r.PnL)
		}
		t.AppendRow(table.Row{r.BotID, r.Symbol, r.Trades, fmt.Sprintf("%.1f%%", r.WinRate*100), fmt.Sprintf("%.2f", r.Fees), pnl})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.Render()
}
