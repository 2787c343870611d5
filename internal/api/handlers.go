package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"risk-core/internal/directory"
	"risk-core/internal/domain"
	"risk-core/internal/riskerr"
)

// riskLimitRequest mirrors the wire format §6 defines:
// {"type":"percentage"|"absolute","value":<number>}.
type riskLimitRequest struct {
	Type  string  `json:"type" binding:"required,oneof=percentage absolute"`
	Value float64 `json:"value" binding:"gt=0"`
}

func (r riskLimitRequest) toDomain() domain.RiskLimit {
	if r.Type == "percentage" {
		return domain.Percentage(r.Value)
	}
	return domain.Absolute(r.Value)
}

type startMonitoringRequest struct {
	ClientID       string            `json:"clientId" binding:"required"`
	APIKey         string            `json:"apiKey" binding:"required"`
	APISecret      string            `json:"apiSecret" binding:"required"`
	InitialBalance float64           `json:"initialBalance" binding:"gt=0"`
	DailyRisk      riskLimitRequest  `json:"dailyRisk"`
	MaxRisk        riskLimitRequest  `json:"maxRisk"`
	Venue          string            `json:"venue" binding:"required,oneof=FUTURES SPOT"`
}

// startMonitoring handles POST /monitoring/start.
func (s *Server) startMonitoring(c *gin.Context) {
	var req startMonitoringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failJSON(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	ctx := c.Request.Context()
	if err := s.Directory.Register(ctx, directory.Registration{
		ClientID:       req.ClientID,
		Venue:          domain.Venue(req.Venue),
		APIKey:         req.APIKey,
		APISecret:      req.APISecret,
		InitialBalance: req.InitialBalance,
		DailyRisk:      req.DailyRisk.toDomain(),
		MaxRisk:        req.MaxRisk.toDomain(),
	}); err != nil {
		respondEngineError(c, err)
		return
	}

	client, err := s.Directory.Get(ctx, req.ClientID)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	if err := s.Coordinator.StartMonitoring(ctx, client); err != nil {
		respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// stopMonitoring handles POST /monitoring/stop/{clientId}.
func (s *Server) stopMonitoring(c *gin.Context) {
	clientID := c.Param("clientId")
	if err := s.Coordinator.StopMonitoring(c.Request.Context(), clientID); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// monitoringStatus handles GET /monitoring/status/{clientId}.
func (s *Server) monitoringStatus(c *gin.Context) {
	clientID := c.Param("clientId")
	state, exists, err := s.Store.Load(c.Request.Context(), clientID)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if !exists {
		failJSON(c, http.StatusNotFound, "NOT_MONITORED", "client is not monitored")
		return
	}
	c.JSON(http.StatusOK, projectState(state))
}

// monitoringStatusList handles the supplemented GET /monitoring/status
// (list every actively monitored client).
func (s *Server) monitoringStatusList(c *gin.Context) {
	states, err := s.Store.QueryActive(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	out := make([]gin.H, 0, len(states))
	for _, st := range states {
		out = append(out, projectState(st))
	}
	c.JSON(http.StatusOK, gin.H{"clients": out})
}

// updateRiskLimits handles PUT /risk/limits/{clientId}.
func (s *Server) updateRiskLimits(c *gin.Context) {
	clientID := c.Param("clientId")
	var req struct {
		DailyRisk riskLimitRequest `json:"dailyRisk"`
		MaxRisk   riskLimitRequest `json:"maxRisk"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failJSON(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if err := s.Directory.UpdateRiskLimits(c.Request.Context(), clientID, req.DailyRisk.toDomain(), req.MaxRisk.toDomain()); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// canTrade handles GET /trade/can-trade/{clientId} — the gateway's
// pre-submission check (spec §6's webhook contract).
func (s *Server) canTrade(c *gin.Context) {
	clientID := c.Param("clientId")
	state, exists, err := s.Store.Load(c.Request.Context(), clientID)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if !exists {
		c.JSON(http.StatusOK, gin.H{"canTrade": false, "reason": "NOT_MONITORED"})
		return
	}
	if state.CanTrade() {
		c.JSON(http.StatusOK, gin.H{"canTrade": true})
		return
	}
	reason := "DAILY_RISK"
	if state.Status == domain.StatusPermanentBlocked {
		reason = "MAX_RISK"
	}
	c.JSON(http.StatusOK, gin.H{"canTrade": false, "reason": reason})
}

func (s *Server) adminMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) adminQueueMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queueDepths": s.Coordinator.QueueDepths()})
}

func projectState(st domain.AccountState) gin.H {
	return gin.H{
		"clientId":          st.ClientID,
		"venue":             st.Venue,
		"status":            st.Status,
		"initialBalance":    st.InitialBalance,
		"currentBalance":    st.CurrentBalance,
		"dailyStartBalance": st.DailyStartBalance,
		"totalPnl":          st.TotalPnl(),
		"dailyPnl":          st.DailyPnl(),
		"active":            st.Active,
		"lastBalanceUpdate": st.LastBalanceUpdate,
		"dailyResetAt":      st.DailyResetAt,
	}
}

// respondEngineError maps a riskerr taxonomy kind to an HTTP status and
// the §7 user-visible failure envelope.
func respondEngineError(c *gin.Context, err error) {
	kind := riskerr.KindOf(err)
	status := http.StatusInternalServerError
	if kind == riskerr.InvalidInput {
		status = http.StatusBadRequest
	}
	failJSON(c, status, string(kind), err.Error())
}
