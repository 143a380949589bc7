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

	"bot-core/internal/report"
	"bot-core/pkg/config"
	"bot-core/pkg/db"
)

// botctl inspects the bot database without going through the API.
//
// Usage:
//
//	go run ./scripts/botctl schema
//	go run ./scripts/botctl bots [-user ID]
//	go run ./scripts/botctl trades -user ID [-bot ID] [-limit N]
//	go run ./scripts/botctl events -user ID -bot ID [-limit N]
//	go run ./scripts/botctl versions -user ID -bot ID
//	go run ./scripts/botctl export -user ID [-bot ID] -out trades.xlsx
func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	user := fs.String("user", "", "account id")
	botID := fs.String("bot", "", "bot id")
	limit := fs.Int("limit", 50, "max rows")
	out := fs.String("out", "trades.xlsx", "export file")
	_ = fs.Parse(os.Args[2:])

	database, err := db.New(*dbPath)
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer database.Close()
	q := database.Queries()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "schema":
		err = showSchema(database)
	case "bots":
		err = showBots(ctx, q, *user)
	case "trades":
		err = showTrades(ctx, q, need(*user, "-user"), *botID, *limit)
	case "events":
		err = showEvents(ctx, q, need(*user, "-user"), need(*botID, "-bot"), *limit)
	case "versions":
		err = showVersions(ctx, q, need(*user, "-user"), need(*botID, "-bot"))
	case "export":
		err = export(ctx, q, need(*user, "-user"), *botID, *out)
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: botctl schema|bots|trades|events|versions|export [flags]")
	os.Exit(2)
}

func need(v, name string) string {
	if v == "" {
		log.Fatalf("%s is required", name)
	}
	return v
}

func newTable(title string, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(header)
	return t
}

func showSchema(database *db.Database) error {
	checks, err := db.VerifySchema(database)
	if err != nil {
		return err
	}
	t := newTable("SCHEMA", table.Row{"Table", "Column", "Present"})
	missing := 0
	for _, c := range checks {
		mark := text.FgGreen.Sprint("yes")
		if !c.Present {
			mark = text.FgRed.Sprint("MISSING")
			missing++
		}
		t.AppendRow(table.Row{c.Table, c.Column, mark})
	}
	t.Render()
	if missing > 0 {
		return fmt.Errorf("%d schema objects missing; start the server once to migrate", missing)
	}
	return nil
}

func showBots(ctx context.Context, q *db.UserQueries, user string) error {
	var (
		bots []db.Bot
		err  error
	)
	if user == "" {
		bots, err = q.ListAllBots(ctx)
	} else {
		bots, err = q.ListBotsByUser(ctx, user)
	}
	if err != nil {
		return err
	}
	t := newTable("BOTS", table.Row{"Bot", "Account", "Symbol", "Version", "Desired", "Status", "Last error", "Updated"})
	for _, b := range bots {
		t.AppendRow(table.Row{b.ID, b.UserID, b.Symbol, b.ConfigVersion, b.DesiredStatus, colorStatus(b.Status), b.LastError, b.UpdatedAt.Format(time.DateTime)})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 7, WidthMax: 40}})
	t.Render()
	return nil
}

func colorStatus(s string) string {
	switch s {
	case db.StatusRunning:
		return text.FgGreen.Sprint(s)
	case db.StatusError:
		return text.FgRed.Sprint(s)
	case db.StatusPaused:
		return text.FgYellow.Sprint(s)
	}
	return s
}

func showTrades(ctx context.Context, q *db.UserQueries, user, botID string, limit int) error {
	trades, err := loadTrades(ctx, q, user, botID, limit)
	if err != nil {
		return err
	}
	t := newTable("TRADES", table.Row{"Closed", "Bot", "Symbol", "Side", "Qty", "Entry", "Exit", "Fee", "PnL", "Reason"})
	var total float64
	for _, tr := range trades {
		total += tr.PnL
		t.AppendRow(table.Row{tr.ClosedAt.Format(time.DateTime), tr.BotID, tr.Symbol, tr.Side, tr.Qty,
			fmt.Sprintf("%.4f", tr.EntryPrice), fmt.Sprintf("%.4f", tr.ExitPrice), fmt.Sprintf("%.4f", tr.Fee), fmt.Sprintf("%.2f", tr.PnL), tr.Reason})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "Total", fmt.Sprintf("%.2f", total)})
	t.Render()
	return nil
}

func loadTrades(ctx context.Context, q *db.UserQueries, user, botID string, limit int) ([]db.Trade, error) {
	if botID != "" {
		return q.GetTradesByBot(ctx, user, botID, limit)
	}
	return q.GetTradesByUser(ctx, user, limit)
}

func showEvents(ctx context.Context, q *db.UserQueries, user, botID string, limit int) error {
	evs, err := q.GetEventsByBot(ctx, user, botID, limit)
	if err != nil {
		return err
	}
	t := newTable("EVENTS "+botID, table.Row{"#", "Time", "Kind", "Message"})
	for _, e := range evs {
		t.AppendRow(table.Row{e.ID, e.CreatedAt.Format(time.DateTime), e.Kind, e.Message})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 4, WidthMax: 80}})
	t.Render()
	return nil
}

func showVersions(ctx context.Context, q *db.UserQueries, user, botID string) error {
	versions, err := q.ListConfigVersions(ctx, user, botID)
	if err != nil {
		return err
	}
	t := newTable("CONFIG VERSIONS "+botID, table.Row{"Version", "Created", "Note", "Size"})
	for _, v := range versions {
		t.AppendRow(table.Row{v.Version, v.CreatedAt.Format(time.DateTime), v.Note, len(v.ConfigJSON)})
	}
	t.Render()
	return nil
}

func export(ctx context.Context, q *db.UserQueries, user, botID, path string) error {
	trades, err := loadTrades(ctx, q, user, botID, 10000)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WriteTradesXLSX(f, trades); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Printf("%d trades written to %s", len(trades), path)
	return nil
}
