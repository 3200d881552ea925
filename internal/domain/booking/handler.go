package booking

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dermalink/booking/internal/platform/auth"
	"github.com/dermalink/booking/pkg/pagination"
)

// retryAfterSeconds is sent with 503s from credential issuance or timeouts.
const retryAfterSeconds = "5"

// maxSlotMinutes bounds duration_minutes to one day.
const maxSlotMinutes = 24 * 60

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With().Str("component", "booking_handler").Logger()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	appts := api.Group("/appointments", auth.RequireProfile())
	appts.POST("/request", h.RequestAppointment, auth.RequireRole(auth.RolePatient))
	appts.GET("/patient", h.ListPatientAppointments, auth.RequireRole(auth.RolePatient))
	appts.GET("/provider", h.ListProviderAppointments, auth.RequireRole(auth.RoleProvider))
	appts.GET("/:id/token", h.GetSessionToken, auth.RequireRole(auth.RolePatient, auth.RoleProvider))

	providers := api.Group("/providers")
	providers.GET("", h.ListProviders)

	me := providers.Group("/me", auth.RequireRole(auth.RoleProvider), auth.RequireProfile())
	me.POST("/slots-range", h.PublishAvailability)
	me.POST("/slots", h.PublishSlot)
	me.GET("/slots", h.ListSlots)
}

// profileFor resolves whose data the request acts on. Callers act as
// themselves; admins must name the profile explicitly.
func profileFor(c echo.Context, role string, explicit int64) (int64, error) {
	ctx := c.Request().Context()
	if !auth.HasRole(ctx, role) && auth.HasRole(ctx, auth.RoleAdmin) {
		if explicit <= 0 {
			return 0, echo.NewHTTPError(http.StatusBadRequest, role+"_id is required for admin requests")
		}
		return explicit, nil
	}

	id := auth.ProfileIDFromContext(ctx)
	if id <= 0 {
		return 0, echo.NewHTTPError(http.StatusForbidden, "caller has no "+role+" profile")
	}
	if explicit > 0 && explicit != id {
		return 0, echo.NewHTTPError(http.StatusForbidden, "cannot act on another "+role+"'s behalf")
	}
	return id, nil
}

func queryID(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// httpError translates domain errors to HTTP responses.
func (h *Handler) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNoAvailability):
		return echo.NewHTTPError(http.StatusNotFound, ErrNoAvailability.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrSlotExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidRange), errors.Is(err, ErrInvalidDuration), errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvariantViolation):
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("booking invariant violation")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	case errors.Is(err, ErrCredentialIssuance), errors.Is(err, context.DeadlineExceeded):
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "booking temporarily unavailable, retry shortly").SetInternal(err)
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg("booking request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

// -- Appointments --

type appointmentRequest struct {
	Specialization string `json:"specialization"`
	PatientID      int64  `json:"patient_id"`
}

func (h *Handler) RequestAppointment(c echo.Context) error {
	var req appointmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patientID, err := profileFor(c, auth.RolePatient, req.PatientID)
	if err != nil {
		return err
	}

	res, err := h.svc.Allocate(c.Request().Context(), AllocationRequest{
		PatientID:      patientID,
		Specialization: req.Specialization,
	})
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetSessionToken(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid reservation id")
	}
	ctx := c.Request().Context()
	caller := Caller{
		ProfileID: auth.ProfileIDFromContext(ctx),
		Patient:   auth.HasRole(ctx, auth.RolePatient),
		Provider:  auth.HasRole(ctx, auth.RoleProvider),
	}

	details, err := h.svc.SessionCredential(ctx, id, caller)
	if err != nil {
		return h.httpError(c, err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, details)
}

type upcomingResponse struct {
	Data  []*Reservation `json:"data"`
	Total int            `json:"total"`
}

func upcoming(items []*Reservation) upcomingResponse {
	if items == nil {
		items = []*Reservation{}
	}
	return upcomingResponse{Data: items, Total: len(items)}
}

func (h *Handler) ListPatientAppointments(c echo.Context) error {
	explicit, err := queryID(c, "patient_id")
	if err != nil {
		return err
	}
	patientID, err := profileFor(c, auth.RolePatient, explicit)
	if err != nil {
		return err
	}
	items, err := h.svc.ListUpcomingForPatient(c.Request().Context(), patientID, time.Time{})
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, upcoming(items))
}

func (h *Handler) ListProviderAppointments(c echo.Context) error {
	explicit, err := queryID(c, "provider_id")
	if err != nil {
		return err
	}
	providerID, err := profileFor(c, auth.RoleProvider, explicit)
	if err != nil {
		return err
	}
	items, err := h.svc.ListUpcomingForProvider(c.Request().Context(), providerID, time.Time{})
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, upcoming(items))
}

// -- Providers --

func (h *Handler) ListProviders(c echo.Context) error {
	items, err := h.svc.ListProviders(c.Request().Context(), c.QueryParam("specialization"))
	if err != nil {
		return h.httpError(c, err)
	}
	if items == nil {
		items = []*Provider{}
	}
	return c.JSON(http.StatusOK, echo.Map{"data": items, "total": len(items)})
}

type publishRangeRequest struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"duration_minutes"`
	ProviderID      int64     `json:"provider_id"`
}

type publishSlotRequest struct {
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	ProviderID      int64     `json:"provider_id"`
}

func (h *Handler) duration(minutes int) (time.Duration, error) {
	switch {
	case minutes == 0:
		return h.svc.SlotDuration(), nil
	case minutes < 0, minutes > maxSlotMinutes:
		return 0, echo.NewHTTPError(http.StatusBadRequest, ErrInvalidDuration.Error())
	}
	return time.Duration(minutes) * time.Minute, nil
}

func (h *Handler) PublishAvailability(c echo.Context) error {
	var req publishRangeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	providerID, err := profileFor(c, auth.RoleProvider, req.ProviderID)
	if err != nil {
		return err
	}
	d, err := h.duration(req.DurationMinutes)
	if err != nil {
		return err
	}

	created, err := h.svc.PublishAvailability(c.Request().Context(), providerID, req.Start, req.End, d)
	if err != nil {
		return h.httpError(c, err)
	}
	if created == nil {
		created = []*Slot{}
	}
	return c.JSON(http.StatusCreated, echo.Map{"data": created, "created": len(created)})
}

func (h *Handler) PublishSlot(c echo.Context) error {
	var req publishSlotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	providerID, err := profileFor(c, auth.RoleProvider, req.ProviderID)
	if err != nil {
		return err
	}
	d, err := h.duration(req.DurationMinutes)
	if err != nil {
		return err
	}

	slot, err := h.svc.PublishSlot(c.Request().Context(), providerID, req.Start, d)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, slot)
}

func (h *Handler) ListSlots(c echo.Context) error {
	explicit, err := queryID(c, "provider_id")
	if err != nil {
		return err
	}
	providerID, err := profileFor(c, auth.RoleProvider, explicit)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	items, total, err := h.svc.ListAvailableSlots(c.Request().Context(), providerID, p)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p).WithNext(c.Request().URL))
}
