package api

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-core/internal/dispatch"
	"signal-core/internal/position"
	"signal-core/internal/signal"
)

func queryLimit(c *gin.Context, def, hi int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > hi {
		return hi
	}
	return n
}

func (s *Server) getPositions(c *gin.Context) {
	userID := CurrentUserID(c)
	var status position.Status
	switch strings.ToUpper(c.Query("status")) {
	case "":
	case string(position.StatusOpen):
		status = position.StatusOpen
	case string(position.StatusClosed):
		status = position.StatusClosed
	default:
		respondError(c, http.StatusBadRequest, "INVALID_STATUS", "status must be OPEN or CLOSED")
		return
	}
	list, err := s.deps.Positions.ListByUser(c.Request.Context(), userID, status, queryLimit(c, 100, 500))
	if err != nil {
		s.storeError(c, "list positions", err)
		return
	}
	if list == nil {
		list = []position.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": list})
}

func (s *Server) getTrades(c *gin.Context) {
	trades, err := s.deps.Positions.TradesByUser(c.Request.Context(), CurrentUserID(c), queryLimit(c, 50, 500))
	if err != nil {
		s.storeError(c, "list trades", err)
		return
	}
	if trades == nil {
		trades = []position.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// closePosition runs a manual CLOSE through the dispatcher and waits for it.
func (s *Server) closePosition(c *gin.Context) {
	ctx := c.Request.Context()
	userID := CurrentUserID(c)
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		respondError(c, http.StatusBadRequest, "INVALID_SYMBOL", "symbol is required")
		return
	}

	settings, err := s.deps.Users.SettingsForUser(ctx, userID)
	if err != nil {
		s.storeError(c, "load settings", err)
		return
	}
	sig := signal.TradeSignal{
		ID:         uuid.NewString(),
		UserID:     userID,
		Symbol:     symbol,
		Action:     signal.ActionClose,
		Source:     signal.SourceManual,
		Reason:     "manual",
		ReceivedAt: time.Now().UTC(),
	}
	out, err := s.deps.Dispatcher.Dispatch(ctx, sig, settings)
	switch {
	case err == nil && out.Status == dispatch.StatusNoop:
		respondError(c, http.StatusNotFound, "NO_OPEN_POSITION", "no open position for "+symbol)
	case errors.Is(err, dispatch.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error_code": dispatch.Code(err), "outcome": out})
	case errors.Is(err, dispatch.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error_code": dispatch.Code(err), "outcome": out})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error_code": dispatch.Code(err), "error": err.Error(), "outcome": out})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "outcome": out})
	}
}

func (s *Server) getPaperLedger(c *gin.Context) {
	if s.deps.Ledger == nil {
		respondError(c, http.StatusNotFound, "NO_LEDGER", "paper trading is not enabled")
		return
	}
	c.JSON(http.StatusOK, s.deps.Ledger.Snapshot(CurrentUserID(c)))
}

func (s *Server) getWebhookEvents(c *gin.Context) {
	list, err := s.deps.Users.WebhookEventsByUser(c.Request.Context(), CurrentUserID(c), queryLimit(c, 50, 500))
	if err != nil {
		s.storeError(c, "list webhook events", err)
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, e := range list {
		out = append(out, gin.H{
			"id":          e.ID,
			"action":      e.Action,
			"symbol":      e.Symbol,
			"price":       e.Price,
			"processed":   e.Processed,
			"outcome":     e.Outcome,
			"received_at": e.ReceivedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (s *Server) getSettings(c *gin.Context) {
	st, err := s.deps.Users.SettingsForUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.storeError(c, "load settings", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"auto_trading_enabled":  st.AutoTradingEnabled,
		"paper_trading":         st.PaperTrading,
		"exchange":              st.Exchange,
		"trading_mode":          st.TradingMode,
		"slippage_percent":      st.SlippagePercent,
		"default_position_size": st.DefaultPositionSize,
		"stop_loss_percent":     st.StopLossPercent,
		"take_profit_percent":   st.TakeProfitPercent,
		"trailing_stop_enabled": st.TrailingStopEnabled,
		"trailing_stop_percent": st.TrailingStopPercent,
		"enable_notifications":  st.EnableNotifications,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	body := gin.H{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  float64(mem.HeapAlloc) / 1024 / 1024,
	}
	if s.deps.Dispatcher != nil {
		body["dispatcher"] = s.deps.Dispatcher.Stats()
	}
	if s.deps.Monitor != nil {
		body["monitor"] = s.deps.Monitor.Metrics()
	}
	if s.deps.Gateways != nil {
		body["gateways"] = s.deps.Gateways.Stats()
	}
	if s.deps.Scheduler != nil {
		body["scheduler"] = s.deps.Scheduler.Stats()
	}
	if s.deps.Bus != nil {
		body["events_dropped"] = s.deps.Bus.Dropped()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) storeError(c *gin.Context, op string, err error) {
	s.log.Error(op+" failed", zap.String("user_id", CurrentUserID(c)), zap.Error(err))
	if errors.Is(err, position.ErrUnavailable) {
		respondError(c, http.StatusServiceUnavailable, dispatch.Code(err), "store unavailable")
		return
	}
	respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}
