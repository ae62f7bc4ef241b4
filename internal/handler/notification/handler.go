package notification

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/notification-engine/internal/middleware"
	"github.com/jwalitptl/notification-engine/internal/model"
	notificationService "github.com/jwalitptl/notification-engine/internal/service/notification"
	apperrors "github.com/jwalitptl/notification-engine/pkg/errors"
	"github.com/jwalitptl/notification-engine/pkg/httputil"
	"github.com/jwalitptl/notification-engine/pkg/logger"
)

type Handler struct {
	service notificationService.Service
	logger  *logger.Logger
}

func NewHandler(service notificationService.Service, logger *logger.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.POST("", h.CreateNotification)
		notifications.GET("", h.ListNotifications)
		notifications.GET("/:id", h.GetNotification)
	}
}

type createNotificationRequest struct {
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	AudienceKind   string            `json:"audience_kind"`
	TargetData     map[string]string `json:"target_data"`
	ScheduledFor   *time.Time        `json:"scheduled_for"`
	IsScheduled    bool              `json:"is_scheduled"`
	AdditionalData map[string]string `json:"additional_data"`
}

type createNotificationResponse struct {
	ID     uuid.UUID                `json:"id"`
	Status model.NotificationStatus `json:"status"`
}

type notificationResponse struct {
	*model.NotificationRecord
	AudienceKind model.AudienceKind `json:"audience_kind"`
	TargetData   map[string]string  `json:"target_data,omitempty"`
}

func newNotificationResponse(rec *model.NotificationRecord) notificationResponse {
	resp := notificationResponse{NotificationRecord: rec}
	if rec.Audience != nil {
		resp.AudienceKind = rec.Audience.Kind()
		resp.TargetData = model.TargetData(rec.Audience)
	}
	return resp
}

func (h *Handler) CreateNotification(c *gin.Context) {
	var req createNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			httputil.RespondWithMessage(c, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid request body", err))
		return
	}

	var audience model.Audience
	if req.AudienceKind != "" {
		a, err := model.NewAudience(model.AudienceKind(req.AudienceKind), req.TargetData)
		if err != nil {
			var ve *model.ValidationError
			if errors.As(err, &ve) {
				err = model.ValidationErrors{ve}
			}
			httputil.RespondWithError(c, apperrors.NewValidation(err))
			return
		}
		audience = a
	}

	id, err := h.service.Submit(c.Request.Context(), &model.NotificationRequest{
		Title:          req.Title,
		Body:           req.Body,
		Audience:       audience,
		ScheduledFor:   req.ScheduledFor,
		IsScheduled:    req.IsScheduled,
		IssuedBy:       middleware.Issuer(c),
		AdditionalData: req.AdditionalData,
	})
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrValidation) {
			h.logger.Error(err, "Failed to submit notification",
				"request_id", c.GetString(middleware.ContextRequestID))
		}
		httputil.RespondWithError(c, err)
		return
	}

	c.Header("Location", c.FullPath()+"/"+id.String())
	httputil.RespondWithStatus(c, http.StatusAccepted, createNotificationResponse{
		ID:     id,
		Status: model.NotificationStatusPending,
	})
}

func (h *Handler) GetNotification(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid notification ID", nil))
		return
	}

	rec, err := h.service.GetStatus(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, newNotificationResponse(rec))
}

func (h *Handler) ListNotifications(c *gin.Context) {
	filter := model.NotificationFilter{
		Status: model.NotificationStatus(c.Query("status")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httputil.RespondWithError(c, apperrors.NewBadRequest("limit must be a non-negative integer", nil))
			return
		}
		filter.Limit = limit
	}

	records, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	out := make([]notificationResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, newNotificationResponse(rec))
	}
	httputil.RespondWithSuccess(c, out)
}
