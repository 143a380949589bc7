package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bot-core/internal/report"
	"bot-core/pkg/db"

	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type tradeView struct {
	ID         string    `json:"id"`
	BotID      string    `json:"bot_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Qty        float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Fee        float64   `json:"fee"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

func tradeViews(trades []db.Trade) []tradeView {
	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeView{
			ID: t.ID, BotID: t.BotID, Symbol: t.Symbol, Side: t.Side, Qty: t.Qty,
			EntryPrice: t.EntryPrice, ExitPrice: t.ExitPrice, Fee: t.Fee, PnL: t.PnL,
			Reason: t.Reason, OpenedAt: t.OpenedAt, ClosedAt: t.ClosedAt,
		})
	}
	return out
}

func (s *Server) listTrades(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize(100, 1000)
	trades, err := s.DB.Queries().GetTradesByUser(c.Request.Context(), CurrentUserID(c), q.Limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, tradeViews(trades))
}

// exportTrades streams the account's trades as an xlsx workbook. bot_id
// narrows the export to one bot.
func (s *Server) exportTrades(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize(10000, 50000)

	ctx := c.Request.Context()
	userID := CurrentUserID(c)
	var (
		trades []db.Trade
		err    error
	)
	if botID := c.Query("bot_id"); botID != "" {
		trades, err = s.DB.Queries().GetTradesByBot(ctx, userID, botID, q.Limit)
	} else {
		trades, err = s.DB.Queries().GetTradesByUser(ctx, userID, q.Limit)
	}
	if err != nil {
		respondServiceError(c, err)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteTradesXLSX(&buf, trades); err != nil {
		respondError(c, http.StatusInternalServerError, "EXPORT_FAILED", err.Error())
		return
	}
	name := fmt.Sprintf("trades-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}
