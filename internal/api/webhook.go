package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"signal-core/internal/dispatch"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
)

const maxWebhookBody = 64 << 10

// webhookResponse is the body of every POST /webhook answer.
type webhookResponse struct {
	Success   bool              `json:"success"`
	Status    string            `json:"status"`
	EventID   string            `json:"event_id"`
	ErrorCode string            `json:"error_code,omitempty"`
	Error     string            `json:"error,omitempty"`
	Problems  []string          `json:"problems,omitempty"`
	Outcome   *dispatch.Outcome `json:"outcome,omitempty"`
}

const statusAccepted = "ACCEPTED"

func (s *Server) webhook(c *gin.Context) {
	ctx := c.Request.Context()
	token := c.Param("token")

	userID, err := s.deps.Intake.Authenticate(ctx, token)
	switch {
	case errors.Is(err, signal.ErrUnknownToken):
		respondError(c, http.StatusNotFound, "UNKNOWN_TOKEN", "unknown webhook token")
		return
	case err != nil:
		s.log.Error("webhook token lookup failed", zap.Error(err))
		respondError(c, http.StatusServiceUnavailable, dispatch.Code(dispatch.ErrStoreUnavailable), "user store unavailable")
		return
	}
	log := s.log.With(zap.String("user_id", userID))

	if !s.tokenLimiter.Allow(token) {
		log.Warn("webhook rate limit exceeded")
		respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many webhooks for this token")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		respondError(c, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "webhook body too large")
		return
	}

	event := auditRow(userID, raw)
	if err := s.deps.Users.RecordWebhookEvent(ctx, event); err != nil {
		// The audit trail is best-effort; the signal is still processed.
		log.Warn("record webhook event failed", zap.Error(err))
	}
	log = log.With(zap.String("event_id", event.ID))

	settings, err := s.deps.Users.SettingsForUser(ctx, userID)
	if err != nil {
		log.Error("load settings failed", zap.Error(err))
		s.markProcessed(event.ID, string(dispatch.StatusFailed), log)
		respondError(c, http.StatusServiceUnavailable, dispatch.Code(dispatch.ErrStoreUnavailable), "settings unavailable")
		return
	}

	if !settings.AutoTradingEnabled {
		s.markProcessed(event.ID, string(dispatch.StatusIgnored), log)
		c.JSON(http.StatusOK, webhookResponse{Success: true, Status: string(dispatch.StatusIgnored), EventID: event.ID})
		return
	}

	sig, err := s.deps.Intake.Validate(userID, raw)
	if err != nil {
		s.markProcessed(event.ID, string(dispatch.StatusRejected), log)
		resp := webhookResponse{Status: string(dispatch.StatusRejected), EventID: event.ID,
			ErrorCode: dispatch.Code(err), Error: err.Error()}
		var verr *signal.ValidationError
		if errors.As(err, &verr) {
			resp.Problems = verr.Problems
		}
		c.JSON(http.StatusBadRequest, resp)
		return
	}
	sig.ID = event.ID

	if err := s.deps.Positions.Ready(ctx); err != nil {
		s.markProcessed(event.ID, string(dispatch.StatusFailed), log)
		respondError(c, http.StatusServiceUnavailable, dispatch.Code(err), "position store unavailable")
		return
	}

	results, err := s.deps.Dispatcher.Submit(ctx, sig, settings)
	if err != nil {
		s.markProcessed(event.ID, string(dispatch.StatusFailed), log)
		respondError(c, http.StatusServiceUnavailable, dispatch.Code(err), err.Error())
		return
	}

	timer := time.NewTimer(s.deps.WebhookResponseTimeout)
	defer timer.Stop()
	select {
	case res := <-results:
		s.markProcessed(event.ID, string(res.Outcome.Status), log)
		c.JSON(http.StatusOK, outcomeResponse(event.ID, res))
	case <-timer.C:
		go func() {
			res := <-results
			s.markProcessed(event.ID, string(res.Outcome.Status), log)
		}()
		log.Info("webhook still executing, answering 202", zap.String("symbol", sig.Symbol))
		c.JSON(http.StatusAccepted, webhookResponse{Success: true, Status: statusAccepted, EventID: event.ID})
	case <-ctx.Done():
		// Client went away. The execution keeps running and its result is still audited.
		go func() {
			res := <-results
			s.markProcessed(event.ID, string(res.Outcome.Status), log)
		}()
	}
}

func outcomeResponse(eventID string, res dispatch.Result) webhookResponse {
	out := res.Outcome
	resp := webhookResponse{
		Success: out.Success(),
		Status:  string(out.Status),
		EventID: eventID,
		Outcome: &out,
	}
	if res.Err != nil {
		resp.ErrorCode = dispatch.Code(res.Err)
		resp.Error = res.Err.Error()
	}
	return resp
}

// auditRow pulls action, symbol and price out of the raw body on a
// best-effort basis. Malformed bodies still get a row.
func auditRow(userID string, raw []byte) db.WebhookEvent {
	e := db.WebhookEvent{ID: uuid.NewString(), UserID: userID, ReceivedAt: time.Now().UTC()}
	if gjson.ValidBytes(raw) {
		r := gjson.ParseBytes(raw)
		e.Action = truncate(strings.ToUpper(strings.TrimSpace(r.Get("action").String())), 16)
		e.Symbol = truncate(strings.ToUpper(strings.TrimSpace(r.Get("symbol").String())), 32)
		if p := r.Get("price"); p.Exists() {
			e.Price = truncate(strings.TrimSpace(p.String()), 64)
		}
	}
	return e
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (s *Server) markProcessed(id, outcome string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Users.MarkWebhookProcessed(ctx, id, outcome); err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Warn("mark webhook processed failed", zap.Error(err))
	}
}
