package glosa

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinica/tiss/internal/platform/audit"
	"github.com/clinica/tiss/internal/platform/auth"
	"github.com/clinica/tiss/internal/platform/db"
)

type Handler struct {
	predictor *Predictor
	sink      audit.Sink
}

func NewHandler(predictor *Predictor) *Handler {
	return &Handler{predictor: predictor, sink: audit.NopSink{}}
}

// SetAuditSink records applied auto-fixes to sink.
func (h *Handler) SetAuditSink(sink audit.Sink) { h.sink = sink }

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/glosa", auth.RequireRole(auth.RoleBilling))
	g.POST("/analyze", h.Analyze)
	g.POST("/analyze/batch", h.AnalyzeBatch)
	g.POST("/auto-fix", h.AutoFix)
	g.GET("/policy", h.GetPolicy)
}

type analyzeRequest struct {
	OperatorName string    `json:"operator_name"`
	Guide        GuideData `json:"guide"`
}

type batchRequest struct {
	OperatorName string      `json:"operator_name"`
	Guides       []GuideData `json:"guides"`
}

type batchItem struct {
	ProviderGuideNumber string    `json:"provider_guide_number,omitempty"`
	Risk                GlosaRisk `json:"risk"`
}

type fixRequest struct {
	Guide GuideData `json:"guide"`
}

func (h *Handler) Analyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, h.predictor.AnalyzeGlosaRisk(req.Guide, req.OperatorName))
}

func (h *Handler) AnalyzeBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Guides) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "guides is required")
	}

	items := make([]batchItem, 0, len(req.Guides))
	var loss float64
	for _, g := range req.Guides {
		risk := h.predictor.AnalyzeGlosaRisk(g, req.OperatorName)
		loss += risk.EstimatedLoss
		items = append(items, batchItem{ProviderGuideNumber: g.ProviderGuideNumber, Risk: risk})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items":                items,
		"total":                len(items),
		"total_estimated_loss": roundCents(loss),
	})
}

func (h *Handler) AutoFix(c echo.Context) error {
	var req fixRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res := h.predictor.AutoFixGuide(req.Guide)
	if len(res.Changes) > 0 {
		ctx := c.Request().Context()
		rules := make([]string, 0, len(res.Changes))
		for _, ch := range res.Changes {
			rules = append(rules, ch.Rule)
		}
		err := h.sink.Record(ctx, &audit.Event{
			Action:     audit.ActionGuideAutoFixed,
			EntityType: "guide",
			EntityID:   req.Guide.ProviderGuideNumber,
			Actor:      auth.UserIDFromContext(ctx),
			TenantID:   db.TenantFromContext(ctx),
			Detail:     map[string]interface{}{"rules": rules, "changes": len(res.Changes)},
		})
		if err != nil {
			c.Logger().Errorf("audit event not recorded: %v", err)
		}
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetPolicy(c echo.Context) error {
	return c.JSON(http.StatusOK, h.predictor.Policy())
}
