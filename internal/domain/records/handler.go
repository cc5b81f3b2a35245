package records

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dr-assistant/abdm-core/internal/domain/authclinician"
	"github.com/dr-assistant/abdm-core/internal/platform/apierr"
	"github.com/dr-assistant/abdm-core/internal/platform/auth"
)

// FetchOwnerLookup resolves the doctor who initiated a HIFetchRequest, so a
// HealthRecord sourced from it can be ownership-checked without importing
// the hifetch package here (spec.md §4.F). Records with no FetchRequestID
// (LOCAL/IMPORTED) carry no tracked owner and are left to role-gating
// alone.
type FetchOwnerLookup interface {
	OwnerOfFetch(ctx context.Context, fetchRequestID uuid.UUID) (uuid.UUID, error)
}

type Handler struct {
	svc    *Service
	owners FetchOwnerLookup
}

func NewHandler(svc *Service, owners FetchOwnerLookup) *Handler {
	return &Handler{svc: svc, owners: owners}
}

// RegisterRoutes wires the clinician-facing record endpoints (spec.md §6.1).
func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinician := api.Group("", auth.RequireRole("doctor", "admin"))
	clinician.GET("/health-records/patient/:patientId", h.FindByPatient)
	clinician.GET("/health-records/:recordId", h.Get)
	clinician.DELETE("/health-records/:recordId", h.Delete)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("recordId"))
	if err != nil {
		return apierr.BadRequest(c, "invalid recordId", "recordId")
	}
	if err := h.authorizeRecord(c, id); err != nil {
		return apierr.Respond(c, err)
	}
	userID := auth.UserIDFromContext(c.Request().Context())
	rec, err := h.svc.Get(c.Request().Context(), id, userID, c.RealIP(), c.Request().UserAgent())
	if err != nil {
		return apierr.Respond(c, err)
	}
	return apierr.OK(c, http.StatusOK, rec)
}

func (h *Handler) FindByPatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return apierr.BadRequest(c, "invalid patientId", "patientId")
	}

	filters := Filters{
		RecordType: c.QueryParam("type"),
		Source:     Source(c.QueryParam("source")),
	}
	if from := c.QueryParam("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filters.From = &t
		}
	}
	if to := c.QueryParam("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filters.To = &t
		}
	}

	paging := parsePaging(c)
	recs, total, err := h.svc.FindByPatient(c.Request().Context(), patientID, filters, paging)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return apierr.OK(c, http.StatusOK, echo.Map{"records": recs, "total": total, "limit": paging.Limit, "offset": paging.Offset})
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("recordId"))
	if err != nil {
		return apierr.BadRequest(c, "invalid recordId", "recordId")
	}
	if err := h.authorizeRecord(c, id); err != nil {
		return apierr.Respond(c, err)
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.Delete(c.Request().Context(), id, actor); err != nil {
		return apierr.Respond(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// authorizeRecord enforces spec.md §4.F ownership on a HealthRecord: the
// doctor who owns the HIFetchRequest it was ingested from, or an admin
// (internal/domain/authclinician). A record with no FetchRequestID has no
// tracked owner and passes through to role-gating alone.
func (h *Handler) authorizeRecord(c echo.Context, id uuid.UUID) error {
	rec, err := h.svc.Peek(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if rec.FetchRequestID == nil || h.owners == nil {
		return nil
	}
	ownerID, err := h.owners.OwnerOfFetch(c.Request().Context(), *rec.FetchRequestID)
	if err != nil {
		return err
	}
	userID, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return apierr.Unauthorized("missing or invalid subject claim")
	}
	return authclinician.Authorize(auth.RolesFromContext(c.Request().Context()), userID, ownerID)
}

func parsePaging(c echo.Context) Paging {
	p := Paging{Limit: 10, Offset: 0}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Offset = n
		}
	}
	return p.normalized()
}
