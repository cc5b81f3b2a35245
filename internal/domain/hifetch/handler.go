package hifetch

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dr-assistant/abdm-core/internal/domain/authclinician"
	"github.com/dr-assistant/abdm-core/internal/domain/consent"
	"github.com/dr-assistant/abdm-core/internal/platform/apierr"
	"github.com/dr-assistant/abdm-core/internal/platform/auth"
	"github.com/dr-assistant/abdm-core/internal/platform/webhookverify"
)

// queueRetryAfter is advertised to ABDM on a 503; it owns redelivery
// (spec.md §6.1) so this only needs to be a reasonable backoff hint.
const queueRetryAfter = 5 * time.Second

type Handler struct {
	svc      *Service
	queue    *CallbackQueue
	verifier *webhookverify.Verifier
}

func NewHandler(svc *Service, queue *CallbackQueue, verifier *webhookverify.Verifier) *Handler {
	return &Handler{svc: svc, queue: queue, verifier: verifier}
}

// RegisterRoutes wires the clinician-facing fetch endpoints and the public
// HI-records webhook (spec.md §6.1, §6.2).
func (h *Handler) RegisterRoutes(api *echo.Group, webhooks *echo.Group) {
	clinician := api.Group("", auth.RequireRole("doctor", "admin"))
	clinician.POST("/health-records/fetch", h.InitiateFetch)
	clinician.GET("/health-records/status/:requestId", h.GetFetchStatus)
	clinician.GET("/health-records/status/:requestId/logs", h.GetLogs)
	clinician.POST("/health-records/status/:requestId/cancel", h.CancelFetch)

	webhooks.POST("/health-records/callback", h.IngestHIRecords)
}

type initiateFetchBody struct {
	ConsentArtifactID string           `json:"consentArtifactId"`
	PatientID         string           `json:"patientId"`
	HITypes           []consent.HIType `json:"hiTypes,omitempty"`
	DateRangeFrom     *time.Time       `json:"dateRangeFrom,omitempty"`
	DateRangeTo       *time.Time       `json:"dateRangeTo,omitempty"`
}

func (h *Handler) InitiateFetch(c echo.Context) error {
	var body initiateFetchBody
	if err := c.Bind(&body); err != nil {
		return apierr.BadRequest(c, "malformed request body")
	}

	artifactID, err := uuid.Parse(body.ConsentArtifactID)
	if err != nil {
		return apierr.BadRequest(c, "invalid consentArtifactId", "consentArtifactId")
	}
	patientID, err := uuid.Parse(body.PatientID)
	if err != nil {
		return apierr.BadRequest(c, "invalid patientId", "patientId")
	}
	doctorID, err := currentUserID(c)
	if err != nil {
		return apierr.Respond(c, err)
	}

	in := InitiateFetchInput{ConsentArtifactID: artifactID, PatientID: patientID, DoctorID: doctorID, HITypes: body.HITypes}
	if body.DateRangeFrom != nil {
		in.DateRangeFrom = *body.DateRangeFrom
	}
	if body.DateRangeTo != nil {
		in.DateRangeTo = *body.DateRangeTo
	}

	f, err := h.svc.InitiateFetch(c.Request().Context(), in)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return apierr.OK(c, http.StatusCreated, f)
}

func (h *Handler) GetFetchStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("requestId"))
	if err != nil {
		return apierr.BadRequest(c, "invalid requestId", "requestId")
	}
	if err := h.authorizeRequest(c, id); err != nil {
		return apierr.Respond(c, err)
	}
	view, err := h.svc.GetFetchStatus(c.Request().Context(), id)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return apierr.OK(c, http.StatusOK, view)
}

func (h *Handler) GetLogs(c echo.Context) error {
	id, err := uuid.Parse(c.Param("requestId"))
	if err != nil {
		return apierr.BadRequest(c, "invalid requestId", "requestId")
	}
	if err := h.authorizeRequest(c, id); err != nil {
		return apierr.Respond(c, err)
	}
	logs, err := h.svc.GetLogs(c.Request().Context(), id)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return apierr.OK(c, http.StatusOK, logs)
}

type cancelFetchBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelFetch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("requestId"))
	if err != nil {
		return apierr.BadRequest(c, "invalid requestId", "requestId")
	}
	var body cancelFetchBody
	_ = c.Bind(&body)
	if body.Reason != "" && (len(body.Reason) < 10 || len(body.Reason) > 500) {
		return apierr.BadRequest(c, "reason must be 10..500 chars", "reason")
	}

	if err := h.authorizeRequest(c, id); err != nil {
		return apierr.Respond(c, err)
	}

	f, err := h.svc.CancelFetch(c.Request().Context(), id, body.Reason)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return apierr.OK(c, http.StatusOK, f)
}

// IngestHIRecords accepts the public HI-records webhook, mounted outside
// clinician auth and secured by webhookverify instead. Per spec.md §6.2 it
// always responds 200 except on malformed payload (400) or a full work
// queue (503, spec.md §5).
func (h *Handler) IngestHIRecords(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(io.LimitReader(req.Body, 16<<20))
	if err != nil {
		return apierr.BadRequest(c, "failed to read request body")
	}

	timestamp, nonce, signature := webhookverify.HeadersFrom(req.Header)
	if err := h.verifier.Verify(req.RemoteAddr, timestamp, nonce, signature, body); err != nil {
		return apierr.BadRequest(c, "signature verification failed")
	}

	var payload CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return apierr.BadRequest(c, "malformed callback payload")
	}

	if err := h.queue.Enqueue(req.Context(), payload); err != nil {
		return apierr.RespondBusy(c, "HI record queue is full, retry later", queueRetryAfter)
	}
	return c.NoContent(http.StatusOK)
}

// authorizeRequest enforces spec.md §4.F ownership on a HIFetchRequest: the
// doctor who initiated it, or an admin (internal/domain/authclinician).
func (h *Handler) authorizeRequest(c echo.Context, id uuid.UUID) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	f, err := h.svc.GetRequest(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return authclinician.Authorize(auth.RolesFromContext(c.Request().Context()), userID, f.DoctorID)
}

func currentUserID(c echo.Context) (uuid.UUID, error) {
	raw := auth.UserIDFromContext(c.Request().Context())
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, apierr.Unauthorized("missing or invalid subject claim")
	}
	return id, nil
}
