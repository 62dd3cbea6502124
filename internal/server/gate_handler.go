package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/execgate/execgate/internal/allowlist"
	"github.com/execgate/execgate/internal/rules"
)

// GateHandler answers whether a command may run, and whether a human
// must be asked first. The agent loop calls this before deciding to
// submit an approval request.
type GateHandler struct {
	rules *rules.Manager
	store *allowlist.Store
}

func NewGateHandler(manager *rules.Manager, store *allowlist.Store) *GateHandler {
	return &GateHandler{rules: manager, store: store}
}

type gateCheckBody struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

type gateCheckResponse struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason,omitempty"`
	ResolvedPath     string `json:"resolved_path,omitempty"`
	Security         string `json:"security"`
	Ask              string `json:"ask"`
}

// Check handles POST /gate/check.
func (h *GateHandler) Check(c echo.Context) error {
	var body gateCheckBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body", nil))
	}
	if body.Command == "" {
		return c.JSON(http.StatusBadRequest, errorBody("command is required", nil))
	}

	agentRules := h.rules.Resolve(body.AgentID)

	analysis := rules.AnalyzeCommand(body.Command, body.Cwd)

	var patterns []string
	if h.store != nil {
		var err error
		patterns, err = h.store.Patterns(c.Request().Context(), body.AgentID)
		if err != nil {
			log.Warn().Err(err).Msg("allowlist lookup failed, treating as empty")
		}
	}

	ev := rules.Evaluate(analysis, patterns, h.rules.SafeBins(), body.Cwd)

	resp := gateCheckResponse{
		Allowed:          rules.Allowed(agentRules, analysis.OK, ev.Satisfied),
		RequiresApproval: rules.RequiresApproval(agentRules, analysis.OK, ev.Satisfied),
		Security:         string(agentRules.Security),
		Ask:              string(agentRules.Ask),
	}
	if !analysis.OK {
		resp.Reason = analysis.Reason
	}
	if len(analysis.Segments) == 1 {
		resp.ResolvedPath = analysis.Segments[0].ResolvedPath
	}

	if h.store != nil && ev.Satisfied {
		for _, pattern := range ev.Matched {
			if err := h.store.RecordUse(c.Request().Context(), body.AgentID, pattern, body.Command); err != nil {
				log.Debug().Err(err).Str("pattern", pattern).Msg("allowlist use stamp failed")
			}
		}
	}

	return c.JSON(http.StatusOK, resp)
}
