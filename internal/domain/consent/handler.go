package consent

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dr-assistant/abdm-core/internal/domain/authclinician"
	"github.com/dr-assistant/abdm-core/internal/platform/apierr"
	"github.com/dr-assistant/abdm-core/internal/platform/auth"
	"github.com/dr-assistant/abdm-core/internal/platform/webhookverify"
)

type Handler struct {
	svc      *Service
	verifier *webhookverify.Verifier
}

func NewHandler(svc *Service, verifier *webhookverify.Verifier) *Handler {
	return &Handler{svc: svc, verifier: verifier}
}

// RegisterRoutes wires the authenticated REST surface (spec.md §6.1) and
// the public webhook (spec.md §6.2).
func (h *Handler) RegisterRoutes(api *echo.Group, webhooks *echo.Group) {
	clinician := api.Group("", auth.RequireRole("doctor", "admin"))
	clinician.POST("/consent/request", h.RequestConsent)
	clinician.GET("/consent/:id/status", h.GetConsentStatus)
	clinician.GET("/consent/active", h.ListActiveConsents)
	clinician.POST("/consent/:id/revoke", h.RevokeConsent)
	clinician.GET("/consent/:id/audit", h.GetConsentAudit)

	webhooks.POST("/consent/callback", h.IngestCallback)
}

type requestConsentBody struct {
	PatientID     uuid.UUID `json:"patientId"`
	PatientAbhaID string    `json:"patientAbhaId"`
	PurposeCode   string    `json:"purposeCode"`
	PurposeText   string    `json:"purposeText"`
	HITypes       []HIType  `json:"hiTypes"`
	DateRangeFrom time.Time `json:"dateRangeFrom"`
	DateRangeTo   time.Time `json:"dateRangeTo"`
	ExpiresAt     time.Time `json:"expiresAt"`
	HIPs          []string  `json:"hips,omitempty"`
}

func (h *Handler) RequestConsent(c echo.Context) error {
	var body requestConsentBody
	if err := c.Bind(&body); err != nil {
		return apierr.BadRequest(c, "malformed request body")
	}

	requesterID, err := currentUserID(c)
	if err != nil {
		return apierr.Respond(c, err)
	}

	cr, err := h.svc.RequestConsent(c.Request().Context(), RequestConsentInput{
		PatientID: body.PatientID, PatientAbhaID: body.PatientAbhaID,
		RequesterID: requesterID, PurposeCode: body.PurposeCode, PurposeText: body.PurposeText,
		HITypes: body.HITypes, DateRangeFrom: body.DateRangeFrom, DateRangeTo: body.DateRangeTo,
		ExpiresAt: body.ExpiresAt, HIPs: body.HIPs,
	})
	if err != nil {
		return apierr.Respond(c, err)
	}
	return apierr.OK(c, http.StatusCreated, cr)
}

func (h *Handler) GetConsentStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apierr.BadRequest(c, "invalid id", "id")
	}
	if err := h.authorizeRequest(c, id); err != nil {
		return apierr.Respond(c, err)
	}
	view, err := h.svc.GetConsentStatus(c.Request().Context(), id)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return apierr.OK(c, http.StatusOK, view)
}

func (h *Handler) ListActiveConsents(c echo.Context) error {
	patientID, err := uuid.Parse(c.QueryParam("patientId"))
	if err != nil {
		return apierr.BadRequest(c, "invalid patientId", "patientId")
	}
	artifacts, err := h.svc.ListActiveConsents(c.Request().Context(), patientID)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return apierr.OK(c, http.StatusOK, artifacts)
}

type revokeBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) RevokeConsent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apierr.BadRequest(c, "invalid id", "id")
	}
	var body revokeBody
	if err := c.Bind(&body); err != nil {
		return apierr.BadRequest(c, "malformed request body")
	}
	if len(body.Reason) < 10 || len(body.Reason) > 500 {
		return apierr.BadRequest(c, "reason must be 10..500 chars", "reason")
	}

	actorID, err := currentUserID(c)
	if err != nil {
		return apierr.Respond(c, err)
	}
	if err := h.authorizeRequest(c, id); err != nil {
		return apierr.Respond(c, err)
	}

	cr, err := h.svc.RevokeConsent(c.Request().Context(), id, body.Reason, actorID.String())
	if err != nil {
		return apierr.Respond(c, err)
	}
	return apierr.OK(c, http.StatusOK, cr)
}

func (h *Handler) GetConsentAudit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apierr.BadRequest(c, "invalid id", "id")
	}
	if err := h.authorizeRequest(c, id); err != nil {
		return apierr.Respond(c, err)
	}
	events, err := h.svc.QueryAudit(c.Request().Context(), id)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return apierr.OK(c, http.StatusOK, events)
}

// IngestCallback is the ABDM-facing webhook (spec.md §4.F, §6.2). It is
// mounted outside clinician auth and relies on webhookverify for trust.
// Every outcome the service reports, orphaned and duplicate callbacks
// included, responds 200, so ABDM's redelivery never spins on them. An
// unreadable body, a failed verification or a malformed payload responds
// 400, and an internal failure responds 500.
func (h *Handler) IngestCallback(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read body"})
	}

	timestamp, nonce, signature := webhookverify.HeadersFrom(req.Header)
	if err := h.verifier.Verify(req.RemoteAddr, timestamp, nonce, signature, body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "signature verification failed"})
	}

	var payload CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	}

	outcome, err := h.svc.IngestCallback(req.Context(), payload)
	if err != nil {
		// Internal failure: surface 500 so ABDM can retry, per spec.md §6.2's
		// "Webhooks always respond 200 except on malformed payload (400) or
		// backpressure (503)" — an internal failure to persist is neither,
		// but 200-ing it would silently drop the callback forever.
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// authorizeRequest enforces spec.md §4.F ownership on a ConsentRequest: the
// doctor who created it, or an admin (internal/domain/authclinician).
func (h *Handler) authorizeRequest(c echo.Context, id uuid.UUID) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	cr, err := h.svc.GetRequest(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return authclinician.Authorize(auth.RolesFromContext(c.Request().Context()), userID, cr.RequesterID)
}

func currentUserID(c echo.Context) (uuid.UUID, error) {
	raw := auth.UserIDFromContext(c.Request().Context())
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, apierr.Unauthorized("missing or invalid subject claim")
	}
	return id, nil
}
