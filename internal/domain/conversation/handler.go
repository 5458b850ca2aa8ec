package conversation

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/cart"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/checkout"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/safety"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/blobstore"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/speech"
)

// Handler exposes the conversation engine over HTTP.
type Handler struct {
	registry     *Registry
	maxFileBytes int64
}

func NewHandler(registry *Registry, maxFileBytes int64) *Handler {
	if maxFileBytes <= 0 {
		maxFileBytes = blobstore.DefaultMaxFileSize
	}
	return &Handler{registry: registry, maxFileBytes: maxFileBytes}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.ResetSession)
	api.POST("/sessions/:id/turns", h.PostTurn)
	api.POST("/sessions/:id/cart", h.AddToCart)
	api.POST("/sessions/:id/cart/cards/:turnId", h.AddCardToCart)
	api.DELETE("/sessions/:id/cart/:medicine", h.RemoveFromCart)
	api.POST("/sessions/:id/override", h.ResolveOverride)
	api.POST("/sessions/:id/prescriptions", h.UploadPrescription)
	api.POST("/sessions/:id/emergency/ack", h.AcknowledgeEmergency)
	api.POST("/sessions/:id/checkout", h.Checkout)
	api.POST("/sessions/:id/voice", h.SetVoice)
	api.POST("/sessions/:id/audio", h.PostAudio)
}

type sessionResponse struct {
	View
	Turns []session.Turn `json:"turns"`
}

func respond(c echo.Context, status int, ctrl *Controller) error {
	return c.JSON(status, sessionResponse{View: ctrl.View(), Turns: ctrl.Session().Transcript.All()})
}

// toHTTPError maps engine errors to status codes.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, ErrTurnNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBusy),
		errors.Is(err, ErrNoPendingOverride),
		errors.Is(err, ErrNoPendingPrescription),
		errors.Is(err, ErrNoEmergency),
		errors.Is(err, ErrNoHeldTurn),
		errors.Is(err, ErrNotCheckoutCard),
		errors.Is(err, ErrCheckoutUnavailable),
		errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrCheckoutInFlight),
		errors.Is(err, speech.ErrRecognizerStopped):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrEmergencyActive):
		return echo.NewHTTPError(http.StatusLocked, err.Error())
	case errors.Is(err, ErrEmptyTurn),
		errors.Is(err, ErrNoMedicine),
		errors.Is(err, ErrPatientRequired),
		errors.Is(err, safety.ErrInvalidQuantity),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrOverrideRequired),
		errors.Is(err, blobstore.ErrMissingFileName),
		errors.Is(err, blobstore.ErrEmptyFile):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, blobstore.ErrUnsupportedPrescriptionType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrAudioUnsupported):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) controller(c echo.Context) (*Controller, error) {
	ctrl, err := h.registry.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, toHTTPError(err)
	}
	return ctrl, nil
}

func (h *Handler) CreateSession(c echo.Context) error {
	var patient session.Patient
	if err := c.Bind(&patient); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctrl, err := h.registry.Create(c.Request().Context(), patient)
	if err != nil {
		return toHTTPError(err)
	}
	return respond(c, http.StatusCreated, ctrl)
}

func (h *Handler) GetSession(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, ctrl)
}

func (h *Handler) ResetSession(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	if err := ctrl.Reset(c.Request().Context()); err != nil {
		return toHTTPError(err)
	}
	return respond(c, http.StatusOK, ctrl)
}

type turnRequest struct {
	Text string `json:"text"`
}

func (h *Handler) PostTurn(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	var req turnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := ctrl.HandleTurn(c.Request().Context(), req.Text); err != nil {
		return toHTTPError(err)
	}
	return respond(c, http.StatusOK, ctrl)
}

type cartRequest struct {
	Medicine string `json:"medicine"`
	Quantity int    `json:"quantity"`
}

func (h *Handler) AddToCart(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	var req cartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if err := ctrl.AddToCart(c.Request().Context(), req.Medicine, req.Quantity); err != nil {
		return toHTTPError(err)
	}
	return respond(c, http.StatusOK, ctrl)
}

func (h *Handler) AddCardToCart(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	turnID, err := uuid.Parse(c.Param("turnId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid turn id")
	}
	if err := ctrl.AddCardToCart(c.Request().Context(), turnID); err != nil {
		return toHTTPError(err)
	}
	return respond(c, http.StatusOK, ctrl)
}

func (h *Handler) RemoveFromCart(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	ctrl.RemoveFromCart(c.Request().Context(), c.Param("medicine"))
	return respond(c, http.StatusOK, ctrl)
}

type overrideRequest struct {
	Action string `json:"action"`
}

func (h *Handler) ResolveOverride(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch req.Action {
	case "confirm":
		err = ctrl.ConfirmOverride(c.Request().Context())
	case "decline":
		err = ctrl.DeclineOverride(c.Request().Context())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "action must be confirm or decline")
	}
	if err != nil {
		return toHTTPError(err)
	}
	return respond(c, http.StatusOK, ctrl)
}

// UploadPrescription accepts multipart field "file" and an optional
// "medicine" form value.
func (h *Handler) UploadPrescription(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if file.Size > h.maxFileBytes {
		return toHTTPError(blobstore.ErrFileTooLarge)
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	content, err := io.ReadAll(io.LimitReader(src, h.maxFileBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read uploaded file")
	}
	if int64(len(content)) > h.maxFileBytes {
		return toHTTPError(blobstore.ErrFileTooLarge)
	}

	if err := ctrl.CompletePrescriptionUpload(c.Request().Context(), c.FormValue("medicine"), file.Filename, content); err != nil {
		return toHTTPError(err)
	}
	return respond(c, http.StatusOK, ctrl)
}

type ackRequest struct {
	Resume bool `json:"resume"`
}

// AcknowledgeEmergency dismisses the alert. With resume set the held turn
// is forwarded as a false positive.
func (h *Handler) AcknowledgeEmergency(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	var req ackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	if err := ctrl.AcknowledgeEmergency(ctx); err != nil {
		return toHTTPError(err)
	}
	if req.Resume {
		if err := ctrl.ResumeHeldTurn(ctx); err != nil {
			return toHTTPError(err)
		}
	}
	return respond(c, http.StatusOK, ctrl)
}

func (h *Handler) Checkout(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	if err := ctrl.Checkout(c.Request().Context()); err != nil {
		return toHTTPError(err)
	}
	return respond(c, http.StatusOK, ctrl)
}

type voiceRequest struct {
	Enabled   *bool `json:"enabled"`
	Listening *bool `json:"listening"`
}

func (h *Handler) SetVoice(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	var req voiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Enabled != nil {
		ctrl.SetVoiceEnabled(*req.Enabled)
	}
	if req.Listening != nil {
		if *req.Listening {
			if err := ctrl.StartListening(c.Request().Context()); err != nil {
				return toHTTPError(err)
			}
		} else {
			ctrl.StopListening()
		}
	}
	return respond(c, http.StatusOK, ctrl)
}

// PostAudio feeds a recorded chunk to the session's recognizer. The
// transcript arrives as a speech.transcript event.
func (h *Handler) PostAudio(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	audio, err := io.ReadAll(io.LimitReader(c.Request().Body, h.maxFileBytes))
	if err != nil || len(audio) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "audio body is required")
	}
	if err := ctrl.FeedAudio(audio); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusAccepted)
}
