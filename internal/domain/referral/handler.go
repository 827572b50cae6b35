package referral

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/auth"
	"github.com/mlcsu-digitalinnovations/wms-sub003/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole(auth.RoleOperator)

	g := api.Group("", role)
	g.GET("/referrals", h.ListReferrals)
	g.POST("/referrals", h.CreateReferral)
	g.GET("/referrals/:id", h.GetReferral)
	g.GET("/referrals/ubrn/:ubrn", h.GetReferralByUbrn)
	g.PUT("/referrals/:id", h.UpdateDemographics)
	g.POST("/referrals/:id/status", h.ChangeStatus)
	g.POST("/referrals/:id/provider", h.SelectProvider)
	g.POST("/referrals/:id/reset", h.ResetReferral)
	g.DELETE("/referrals/:id", h.DeactivateReferral)
	g.GET("/referrals/:id/audit", h.GetAuditTrail)
}

type createRequest struct {
	Ubrn        string    `json:"ubrn"`
	Source      Source    `json:"source"`
	NhsNumber   *string   `json:"nhs_number"`
	GivenName   string    `json:"given_name"`
	FamilyName  string    `json:"family_name"`
	DateOfBirth time.Time `json:"date_of_birth"`
	Sex         string    `json:"sex"`
	Ethnicity   string    `json:"ethnicity"`
	Postcode    string    `json:"postcode"`
	HeightCm    *float64  `json:"height_cm"`
	WeightKg    *float64  `json:"weight_kg"`
	Mobile      *string   `json:"mobile"`
	Telephone   *string   `json:"telephone"`
}

func (h *Handler) CreateReferral(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ref, err := h.svc.Create(c.Request().Context(), CreateCommand{
		Ubrn:        req.Ubrn,
		Source:      req.Source,
		NhsNumber:   req.NhsNumber,
		GivenName:   req.GivenName,
		FamilyName:  req.FamilyName,
		DateOfBirth: req.DateOfBirth,
		Sex:         req.Sex,
		Ethnicity:   req.Ethnicity,
		Postcode:    req.Postcode,
		HeightCm:    req.HeightCm,
		WeightKg:    req.WeightKg,
		Mobile:      req.Mobile,
		Telephone:   req.Telephone,
		Actor:       auth.UserIDFromContext(c.Request().Context()),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ref)
}

func (h *Handler) ListReferrals(c echo.Context) error {
	var statuses []Status
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, Status(strings.TrimSpace(s)))
		}
	}

	p := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), statuses, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) GetReferral(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ref, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "referral not found")
	}
	return c.JSON(http.StatusOK, ref)
}

func (h *Handler) GetReferralByUbrn(c echo.Context) error {
	ref, err := h.svc.GetByUbrn(c.Request().Context(), c.Param("ubrn"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "referral not found")
	}
	return c.JSON(http.StatusOK, ref)
}

type updateRequest struct {
	DateOfBirth *time.Time `json:"date_of_birth"`
	Ethnicity   *string    `json:"ethnicity"`
	Mobile      *string    `json:"mobile"`
	Telephone   *string    `json:"telephone"`
}

func (h *Handler) UpdateDemographics(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ref, err := h.svc.UpdateDemographics(c.Request().Context(), id, DemographicsUpdate{
		DateOfBirth: req.DateOfBirth,
		Ethnicity:   req.Ethnicity,
		Mobile:      req.Mobile,
		Telephone:   req.Telephone,
		Actor:       auth.UserIDFromContext(c.Request().Context()),
	})
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, ref)
}

type statusRequest struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	ref, err := h.svc.ChangeStatus(c.Request().Context(), id, req.Status, req.Reason, actor)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, ref)
}

type selectProviderRequest struct {
	ProviderID uuid.UUID `json:"provider_id"`
}

func (h *Handler) SelectProvider(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req selectProviderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	ref, err := h.svc.SelectProvider(c.Request().Context(), id, req.ProviderID, actor)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, ref)
}

type resetRequest struct {
	Target Status `json:"target"`
	Reason string `json:"reason"`
}

func (h *Handler) ResetReferral(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req resetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	ref, err := h.svc.Reset(c.Request().Context(), id, req.Target, req.Reason, actor)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, ref)
}

func (h *Handler) DeactivateReferral(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.Deactivate(c.Request().Context(), id, actor); err != nil {
		return domainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetAuditTrail(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	entries, err := h.svc.AuditTrail(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

// domainError maps rule violations to 409 and everything else to 400.
func domainError(err error) error {
	var scErr *StatusChangeError
	var psErr *ProviderAlreadySelectedError
	if errors.As(err, &scErr) || errors.As(err, &psErr) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
