// Package report renders closed trades as spreadsheets.
package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"bot-core/pkg/db"
)

const (
	tradesSheet  = "Trades"
	summarySheet = "Summary"
)

var tradeHeader = []any{"Closed", "Bot", "Symbol", "Side", "Qty", "Entry", "Exit", "Fee", "PnL", "Reason", "Opened"}

type styles struct {
	header int
	money  int
	loss   int
	gain   int
}

// BotSummary aggregates the trades of one bot.
type BotSummary struct {
	BotID   string
	Symbol  string
	Trades  int
	Wins    int
	PnL     float64
	Fees    float64
	WinRate float64
}

// Summarize groups trades per bot, ordered by bot id.
func Summarize(trades []db.Trade) []BotSummary {
	idx := make(map[string]*BotSummary)
	for _, t := range trades {
		s, ok := idx[t.BotID]
		if !ok {
			s = &BotSummary{BotID: t.BotID, Symbol: t.Symbol}
			idx[t.BotID] = s
		}
		s.Trades++
		s.PnL += t.PnL
		s.Fees += t.Fee
		if t.PnL > 0 {
			s.Wins++
		}
	}
	out := make([]BotSummary, 0, len(idx))
	for _, s := range idx {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

// WriteTradesXLSX writes a workbook with one row per trade and a per-bot summary.
func WriteTradesXLSX(w io.Writer, trades []db.Trade) error {
	fx := excelize.NewFile()
	defer fx.Close()

	if err := fx.SetSheetName(fx.GetSheetName(0), tradesSheet); err != nil {
		return err
	}
	if _, err := fx.NewSheet(summarySheet); err != nil {
		return err
	}
	st, err := newStyles(fx)
	if err != nil {
		return err
	}
	if err := writeTrades(fx, trades, st); err != nil {
		return err
	}
	if err := writeSummary(fx, Summarize(trades), st); err != nil {
		return err
	}
	if _, err := fx.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func newStyles(fx *excelize.File) (styles, error) {
	var s styles
	var err error
	border := []excelize.Border{
		{Type: "left", Color: "E0E0E0", Style: 1},
		{Type: "right", Color: "E0E0E0", Style: 1},
		{Type: "bottom", Color: "E0E0E0", Style: 1},
	}
	s.header, err = fx.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"2F4F4F"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return s, err
	}
	s.money, err = fx.NewStyle(&excelize.Style{NumFmt: 4, Border: border})
	if err != nil {
		return s, err
	}
	s.loss, err = fx.NewStyle(&excelize.Style{NumFmt: 4, Border: border, Font: &excelize.Font{Color: "C00000"}})
	if err != nil {
		return s, err
	}
	s.gain, err = fx.NewStyle(&excelize.Style{NumFmt: 4, Border: border, Font: &excelize.Font{Color: "008000"}})
	return s, err
}

func pnlStyle(st styles, pnl float64) int {
	switch {
	case pnl > 0:
		return st.gain
	case pnl < 0:
		return st.loss
	}
	return st.money
}

func writeTrades(fx *excelize.File, trades []db.Trade, st styles) error {
	if err := fx.SetSheetRow(tradesSheet, "A1", &tradeHeader); err != nil {
		return err
	}
	if err := fx.SetCellStyle(tradesSheet, "A1", "K1", st.header); err != nil {
		return err
	}
	for i, t := range trades {
		r := i + 2
		row := []any{
			t.ClosedAt.UTC().Format("2006-01-02 15:04:05"),
			t.BotID, t.Symbol, t.Side, t.Qty, t.EntryPrice, t.ExitPrice, t.Fee, t.PnL, t.Reason,
			t.OpenedAt.UTC().Format("2006-01-02 15:04:05"),
		}
		if err := fx.SetSheetRow(tradesSheet, fmt.Sprintf("A%d", r), &row); err != nil {
			return err
		}
		if err := fx.SetCellStyle(tradesSheet, fmt.Sprintf("F%d", r), fmt.Sprintf("H%d", r), st.money); err != nil {
			return err
		}
		if err := fx.SetCellStyle(tradesSheet, fmt.Sprintf("I%d", r), fmt.Sprintf("I%d", r), pnlStyle(st, t.PnL)); err != nil {
			return err
		}
	}
	if err := fx.SetColWidth(tradesSheet, "A", "A", 20); err != nil {
		return err
	}
	if err := fx.SetColWidth(tradesSheet, "K", "K", 20); err != nil {
		return err
	}
	return fx.SetPanes(tradesSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func writeSummary(fx *excelize.File, sums []BotSummary, st styles) error {
	header := []any{"Bot", "Symbol", "Trades", "Wins", "Win rate", "PnL", "Fees"}
	if err := fx.SetSheetRow(summarySheet, "A1", &header); err != nil {
		return err
	}
	if err := fx.SetCellStyle(summarySheet, "A1", "G1", st.header); err != nil {
		return err
	}
	var total BotSummary
	for i, s := range sums {
		r := i + 2
		row := []any{s.BotID, s.Symbol, s.Trades, s.Wins, s.WinRate, s.PnL, s.Fees}
		if err := fx.SetSheetRow(summarySheet, fmt.Sprintf("A%d", r), &row); err != nil {
			return err
		}
		if err := fx.SetCellStyle(summarySheet, fmt.Sprintf("F%d", r), fmt.Sprintf("F%d", r), pnlStyle(st, s.PnL)); err != nil {
			return err
		}
		total.Trades += s.Trades
		total.Wins += s.Wins
		total.PnL += s.PnL
		total.Fees += s.Fees
	}
	r := len(sums) + 2
	row := []any{"Total", "", total.Trades, total.Wins, "", total.PnL, total.Fees}
	return fx.SetSheetRow(summarySheet, fmt.Sprintf("A%d", r), &row)
}
