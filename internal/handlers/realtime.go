package handlers

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/cosession/internal/realtime"
	appErrors "github.com/charlesng35/cosession/pkg/errors"
	"github.com/charlesng35/cosession/pkg/response"
)

// StreamHandler upgrades requests into push streams scoped to a single session.
type StreamHandler struct {
	hub      *realtime.Hub
	sessions SessionService
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(hub *realtime.Hub, sessions SessionService) (*StreamHandler, error) {
	if hub == nil {
		return nil, errors.New("stream handler: hub is required")
	}
	if sessions == nil {
		return nil, errors.New("stream handler: session service is required")
	}
	return &StreamHandler{hub: hub, sessions: sessions}, nil
}

// Stream handles GET /api/sessions/:sessionId/stream. The connection may only subscribe to
// the stream of the session in the path; the session must exist at upgrade time.
func (h *StreamHandler) Stream(c *gin.Context) {
	session, err := h.sessions.Get(requestContext(c), c.Param("sessionId"))
	if err != nil {
		respondSessionError(c, err)
		return
	}

	userID := strings.TrimSpace(c.Query("userId"))
	if userID != "" {
		if _, ok := session.Participant(userID); !ok {
			response.Error(c, appErrors.NewNotFound("User not found in session"))
			return
		}
	} else {
		userID = "anonymous"
	}

	stream := realtime.SessionStream(session.SessionID)
	allowed := map[string]struct{}{stream: {}}
	h.hub.Serve(userID, []string{stream}, allowed, c.Writer, c.Request)
}
