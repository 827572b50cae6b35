package provider

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/triage"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	operator := api.Group("", auth.RequireRole(auth.RoleOperator))
	operator.GET("/providers", h.ListProviders)
	operator.GET("/referrals/:id/offers", h.OffersForReferral)

	prov := api.Group("", auth.RequireRole(auth.RoleProvider))
	prov.POST("/provider/submissions", h.SubmitBatch)
}

func (h *Handler) ListProviders(c echo.Context) error {
	level := triage.Level(c.QueryParam("level"))
	switch level {
	case triage.LevelLow, triage.LevelMedium, triage.LevelHigh:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "level must be Low, Medium or High")
	}
	items, err := h.svc.providers.ListByLevel(c.Request().Context(), level)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) OffersForReferral(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	offers, err := h.svc.OffersFor(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, offers)
}

type batchRequest struct {
	Records []SubmissionRecord `json:"records"`
}

// SubmitBatch applies a provider's progress submissions. The provider id
// comes from the credential, never the payload.
func (h *Handler) SubmitBatch(c echo.Context) error {
	providerID, err := uuid.Parse(providerIDOf(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "credential carries no provider id")
	}
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Records) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty submission batch")
	}
	results := h.svc.ProcessBatch(c.Request().Context(), providerID, req.Records)
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results})
}

func providerIDOf(c echo.Context) string {
	id, _ := c.Get("provider_id").(string)
	return id
}
