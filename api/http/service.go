// Package http exposes the session API over HTTP: session lifecycle,
// message intake, approval decisions, a paginated history read, and a
// WebSocket live stream. Authentication is an external concern; handlers
// trust the authenticated user id header installed by the fronting proxy and
// rely on the session manager's ownership checks, which report foreign
// sessions uniformly as not found.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"goa.design/relay/runtime/session"
	"goa.design/relay/runtime/session/approval"
	"goa.design/relay/runtime/session/stream"
	"goa.design/relay/runtime/session/telemetry"
)

type (
	// Service carries the handlers for the session API.
	Service struct {
		manager  *session.Manager
		log      telemetry.Logger
		upgrader websocket.Upgrader
	}

	// Options configures the Service.
	Options struct {
		// Manager owns the live sessions. Required.
		Manager *session.Manager
		// Logger defaults to a noop.
		Logger telemetry.Logger
		// CheckOrigin overrides the WebSocket origin policy. Defaults to
		// the gorilla same-origin check.
		CheckOrigin func(r *http.Request) bool
	}

	createSessionResponse struct {
		SessionID string `json:"session_id"`
	}

	submitMessageRequest struct {
		MessageID string `json:"message_id"`
		Text      string `json:"text"`
	}

	decisionRequest struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason,omitempty"`
	}

	historyResponse struct {
		Events []historyEvent `json:"events"`
	}

	historyEvent struct {
		EventID   string          `json:"event_id"`
		Type      string          `json:"type"`
		Sequence  uint64          `json:"sequence"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
)

// userHeader names the header carrying the authenticated user id.
const userHeader = "X-User-ID"

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// New constructs the session API service.
func New(opts Options) (*Service, error) {
	if opts.Manager == nil {
		return nil, errors.New("session manager is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	up := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}
	if opts.CheckOrigin != nil {
		up.CheckOrigin = opts.CheckOrigin
	}
	return &Service{manager: opts.Manager, log: log, upgrader: up}, nil
}

// Register mounts the session routes on the echo instance.
func (s *Service) Register(e *echo.Echo) {
	e.POST("/sessions", s.createSession)
	e.DELETE("/sessions/:id", s.endSession)
	e.POST("/sessions/:id/messages", s.submitMessage)
	e.POST("/sessions/:id/approvals/:approval_id/decision", s.decideApproval)
	e.GET("/sessions/:id/history", s.readHistory)
	e.GET("/sessions/:id/stream", s.streamSession)
}

func (s *Service) createSession(c echo.Context) error {
	userID, err := authedUser(c)
	if err != nil {
		return err
	}
	sess, err := s.manager.Create(c.Request().Context(), userID)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, createSessionResponse{SessionID: sess.ID()})
}

func (s *Service) endSession(c echo.Context) error {
	userID, err := authedUser(c)
	if err != nil {
		return err
	}
	if err := s.manager.End(c.Request().Context(), c.Param("id"), userID); err != nil {
		return s.mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Service) submitMessage(c echo.Context) error {
	userID, err := authedUser(c)
	if err != nil {
		return err
	}
	var req submitMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	if err := s.manager.SubmitMessage(c.Request().Context(), c.Param("id"), userID, req.MessageID, req.Text); err != nil {
		return s.mapError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Service) decideApproval(c echo.Context) error {
	userID, err := authedUser(c)
	if err != nil {
		return err
	}
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	decision := approval.Decision(req.Decision)
	if decision != approval.DecisionApproved && decision != approval.DecisionRejected {
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be approved or rejected")
	}
	err = s.manager.Decide(c.Request().Context(), c.Param("id"), userID, c.Param("approval_id"), decision, req.Reason)
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, approval.ErrUnknownApproval), errors.Is(err, approval.ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return s.mapError(c, err)
	}
}

func (s *Service) readHistory(c echo.Context) error {
	userID, err := authedUser(c)
	if err != nil {
		return err
	}
	limit := intQuery(c, "limit", 0)
	offset := intQuery(c, "offset", 0)

	recs, err := s.manager.History(c.Request().Context(), c.Param("id"), userID, limit, offset)
	if err != nil {
		return s.mapError(c, err)
	}
	resp := historyResponse{Events: make([]historyEvent, 0, len(recs))}
	for _, rec := range recs {
		resp.Events = append(resp.Events, historyEvent{
			EventID:   rec.EventID,
			Type:      string(rec.Type),
			Sequence:  rec.Sequence,
			Timestamp: rec.CreatedAt,
			Payload:   rec.Payload,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// streamSession upgrades the connection and forwards the session's live
// events until the client disconnects or is dropped for lagging.
func (s *Service) streamSession(c echo.Context) error {
	userID, err := authedUser(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	sub, err := s.manager.Watch(ctx, c.Param("id"), userID)
	if err != nil {
		return s.mapError(c, err)
	}
	defer s.manager.Unwatch(sub)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Reader goroutine: detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case ev, ok := <-sub.Events():
			if !ok {
				code := websocket.CloseNormalClosure
				reason := "stream closed"
				if sub.Lagged() {
					// The client fell behind; it should re-read history and
					// reconnect.
					code = websocket.ClosePolicyViolation
					reason = "stream lagged"
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason))
				return nil
			}
			payload, err := stream.Encode(ev)
			if err != nil {
				s.log.Error(ctx, "encode stream event", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return nil
			}
		}
	}
}

func (s *Service) mapError(c echo.Context, err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	s.log.Error(c.Request().Context(), "session api error",
		"path", c.Path(), "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func authedUser(c echo.Context) (string, error) {
	userID := c.Request().Header.Get(userHeader)
	if userID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
	}
	return userID, nil
}

func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
