package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"github.com/charlesng35/cosession/internal/collab"
	"github.com/charlesng35/cosession/internal/services"
	appErrors "github.com/charlesng35/cosession/pkg/errors"
	"github.com/charlesng35/cosession/pkg/response"
)

const (
	defaultQRSize = 256
	maxQRSize     = 1024
)

// SessionService is the subset of the collaborative session service used by the HTTP layer.
type SessionService interface {
	PollInterval() time.Duration
	Create(ctx context.Context) (services.JoinResult, error)
	Get(ctx context.Context, sessionID string) (collab.Session, error)
	Join(ctx context.Context, sessionID string) (services.JoinResult, error)
	UpdateParticipant(ctx context.Context, sessionID, userID string, update collab.ParticipantUpdate) (collab.Session, error)
	UpdatePermissions(ctx context.Context, sessionID string, change services.PermissionChange) (collab.Session, error)
	RemoveParticipant(ctx context.Context, sessionID, userID string) (services.RemovalResult, error)
	List(ctx context.Context) ([]collab.Summary, error)
	Share(ctx context.Context, sessionID string) (services.ShareLocator, error)
}

// SessionHandler exposes the collaborative session endpoints.
type SessionHandler struct {
	sessions SessionService
}

// NewSessionHandler constructs a session handler.
func NewSessionHandler(sessions SessionService) (*SessionHandler, error) {
	if sessions == nil {
		return nil, errors.New("session handler: service is required")
	}
	return &SessionHandler{sessions: sessions}, nil
}

type updateParticipantRequest struct {
	Nickname *string `json:"nickname" validate:"omitempty,nickname"`
	IsOnline *bool   `json:"isOnline"`
}

type updatePermissionsRequest struct {
	Action      string `json:"action" validate:"required"`
	UserID      string `json:"userId" validate:"required,identifier"`
	AdminUserID string `json:"adminUserId" validate:"omitempty,identifier"`
}

type sessionDeletedResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	Deleted   bool   `json:"deleted"`
}

// Create handles POST /api/sessions.
func (h *SessionHandler) Create(c *gin.Context) {
	result, err := h.sessions.Create(requestContext(c))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	h.respondJoin(c, http.StatusCreated, result)
}

// List handles GET /api/sessions.
func (h *SessionHandler) List(c *gin.Context) {
	summaries, err := h.sessions.List(requestContext(c))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, summaries, &response.Meta{Total: len(summaries)})
}

// Get handles GET /api/sessions/:sessionId.
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.sessions.Get(requestContext(c), c.Param("sessionId"))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	h.respondSession(c, session)
}

// Join handles POST /api/sessions/:sessionId/join. Unknown identifiers start a new session.
func (h *SessionHandler) Join(c *gin.Context) {
	result, err := h.sessions.Join(requestContext(c), c.Param("sessionId"))
	if err != nil {
		respondSessionError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	h.respondJoin(c, status, result)
}

// UpdateParticipant handles PUT /api/sessions/:sessionId/users/:userId.
func (h *SessionHandler) UpdateParticipant(c *gin.Context) {
	var req updateParticipantRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if req.Nickname == nil && req.IsOnline == nil {
		response.Error(c, appErrors.NewBadRequest("nickname or isOnline is required"))
		return
	}

	session, err := h.sessions.UpdateParticipant(requestContext(c), c.Param("sessionId"), c.Param("userId"), collab.ParticipantUpdate{
		Nickname: req.Nickname,
		IsOnline: req.IsOnline,
	})
	if err != nil {
		respondSessionError(c, err)
		return
	}
	h.respondSession(c, session)
}

// UpdatePermissions handles PUT /api/sessions/:sessionId/permissions.
func (h *SessionHandler) UpdatePermissions(c *gin.Context) {
	var req updatePermissionsRequest
	if !bindAndValidate(c, &req) {
		return
	}

	session, err := h.sessions.UpdatePermissions(requestContext(c), c.Param("sessionId"), services.PermissionChange{
		Action:      req.Action,
		UserID:      req.UserID,
		AdminUserID: req.AdminUserID,
	})
	if err != nil {
		respondSessionError(c, err)
		return
	}
	h.respondSession(c, session)
}

// RemoveParticipant handles DELETE /api/sessions/:sessionId/users/:userId. Removing the last
// participant deletes the session and returns an acknowledgement instead of a record.
func (h *SessionHandler) RemoveParticipant(c *gin.Context) {
	result, err := h.sessions.RemoveParticipant(requestContext(c), c.Param("sessionId"), c.Param("userId"))
	if err != nil {
		respondSessionError(c, err)
		return
	}

	if result.Deleted || result.Session == nil {
		response.Success(c, http.StatusOK, sessionDeletedResponse{
			Message:   "Session deleted",
			SessionID: result.SessionID,
			Deleted:   true,
		})
		return
	}
	h.respondSession(c, *result.Session)
}

// Share handles GET /api/sessions/:sessionId/share. With ?format=png the join link is
// rendered as a QR code image.
func (h *SessionHandler) Share(c *gin.Context) {
	locator, err := h.sessions.Share(requestContext(c), c.Param("sessionId"))
	if err != nil {
		respondSessionError(c, err)
		return
	}

	if !strings.EqualFold(strings.TrimSpace(c.Query("format")), "png") {
		response.Success(c, http.StatusOK, locator)
		return
	}

	size := parseIntQuery(c, "size", defaultQRSize)
	if size <= 0 || size > maxQRSize {
		response.Error(c, appErrors.NewBadRequest("size must be between 1 and 1024"))
		return
	}

	png, err := qrcode.Encode(locator.URL, qrcode.Medium, size)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, "failed to render share code"))
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *SessionHandler) respondSession(c *gin.Context, session collab.Session) {
	response.SuccessWithMeta(c, http.StatusOK, session, h.meta(session))
}

func (h *SessionHandler) respondJoin(c *gin.Context, status int, result services.JoinResult) {
	response.SuccessWithMeta(c, status, result, h.meta(result.Session))
}

func (h *SessionHandler) meta(session collab.Session) *response.Meta {
	return &response.Meta{
		Revision:       session.Revision,
		PollIntervalMS: h.sessions.PollInterval().Milliseconds(),
	}
}

// respondSessionError maps domain errors onto the API error envelope.
func respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collab.ErrSessionNotFound):
		response.Error(c, appErrors.NewNotFound("Session not found"))
	case errors.Is(err, collab.ErrParticipantNotFound):
		response.Error(c, appErrors.NewNotFound("User not found in session"))
	case errors.Is(err, collab.ErrNotFound):
		response.Error(c, appErrors.ErrNotFound)
	case errors.Is(err, collab.ErrForbidden):
		response.Error(c, appErrors.NewForbidden("Only admin can modify permissions"))
	case errors.Is(err, collab.ErrInvalidRequest):
		response.Error(c, appErrors.NewBadRequest(err.Error()))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		response.Error(c, appErrors.New("REQUEST_CANCELLED", "Request cancelled", http.StatusServiceUnavailable).WithInternal(err))
	default:
		response.Error(c, appErrors.Wrap(err, "Session operation failed"))
	}
}
