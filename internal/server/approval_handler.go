package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/execgate/execgate/internal/approval"
)

// ApprovalHandler maps the approval protocol onto HTTP.
type ApprovalHandler struct {
	svc *approval.Service
}

func NewApprovalHandler(svc *approval.Service) *ApprovalHandler {
	return &ApprovalHandler{svc: svc}
}

type requestBody struct {
	approval.Request
	ID        string `json:"id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
	TwoPhase  bool   `json:"two_phase,omitempty"`
}

// Request handles POST /approvals/request. Single-phase callers block
// until the decision (or timeout, which answers decision null);
// two-phase callers get a 202 acknowledgement and follow up with the
// wait endpoint.
func (h *ApprovalHandler) Request(c echo.Context) error {
	var body requestBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body", nil))
	}

	params := approval.RequestParams{
		Request:   body.Request,
		Requester: approval.Requester{ConnID: c.RealIP(), ClientID: body.ClientID, DeviceID: body.DeviceID},
		ID:        body.ID,
		TimeoutMs: body.TimeoutMs,
		TwoPhase:  body.TwoPhase,
	}

	accepted, waiter, err := h.svc.Request(c.Request().Context(), params)
	if err != nil {
		return h.writeError(c, err)
	}

	if body.TwoPhase {
		return c.JSON(http.StatusAccepted, accepted)
	}

	decision, err := waiter.Wait(c.Request().Context())
	if err != nil {
		// Caller went away before the decision landed; the record
		// stays pending for anyone else waiting on it.
		return err
	}
	return c.JSON(http.StatusOK, approval.Result{
		ID:          accepted.ID,
		Decision:    decision,
		CreatedAtMs: accepted.CreatedAtMs,
		ExpiresAtMs: accepted.ExpiresAtMs,
	})
}

// Wait handles GET /approvals/:id/wait with a full id or short prefix.
func (h *ApprovalHandler) Wait(c echo.Context) error {
	result, err := h.svc.WaitDecision(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type resolveBody struct {
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// Resolve handles POST /approvals/:id/resolve.
func (h *ApprovalHandler) Resolve(c echo.Context) error {
	var body resolveBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body", nil))
	}

	id, err := h.svc.Resolve(c.Request().Context(), c.Param("id"), body.Decision, body.ResolvedBy)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":  true,
		"id":       id,
		"decision": body.Decision,
	})
}

// GetPending handles GET /approvals/pending.
func (h *ApprovalHandler) GetPending(c echo.Context) error {
	pending := h.svc.Pending()
	return c.JSON(http.StatusOK, map[string]any{
		"total":   len(pending),
		"pending": pending,
	})
}

// Get handles GET /approvals/:id (id or prefix, pending or grace
// period).
func (h *ApprovalHandler) Get(c echo.Context) error {
	snap, err := h.svc.Snapshot(c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *ApprovalHandler) writeError(c echo.Context, err error) error {
	var ambiguous *approval.AmbiguousPrefixError
	switch {
	case errors.As(err, &ambiguous):
		return c.JSON(http.StatusConflict, errorBody(err.Error(), map[string]any{
			"candidates": ambiguous.Candidates,
		}))
	case errors.Is(err, approval.ErrDuplicateID),
		errors.Is(err, approval.ErrDuplicateFingerprint):
		return c.JSON(http.StatusConflict, errorBody(err.Error(), nil))
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody("approval not found or expired from registry", nil))
	case errors.Is(err, approval.ErrInvalidDecision),
		errors.Is(err, approval.ErrMissingCommand),
		errors.Is(err, approval.ErrMissingID):
		return c.JSON(http.StatusBadRequest, errorBody(err.Error(), nil))
	default:
		log.Error().Err(err).Msg("approval handler error")
		return c.JSON(http.StatusInternalServerError, errorBody("internal error", nil))
	}
}

func errorBody(msg string, extra map[string]any) map[string]any {
	body := map[string]any{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	return body
}
