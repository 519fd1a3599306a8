// -----------------------------------------------------------------------
// WebSocket Handler - streams job status changes to follow subscribers
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const writeTimeout = 10 * time.Second

// WebSocketHandler streams followJob updates over a websocket. One
// connection follows one job; the socket closes after the terminal
// status is delivered.
type WebSocketHandler struct {
	jobService interfaces.JobService
	logger     arbor.ILogger
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(jobService interfaces.JobService, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		jobService: jobService,
		logger:     logger,
	}
}

// FollowJobHandler handles GET /ws/jobs/follow?object_id=...
func (h *WebSocketHandler) FollowJobHandler(w http.ResponseWriter, r *http.Request) {
	selector, err := SelectorFromQuery(r)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	updates, err := h.jobService.FollowJob(r.Context(), TenantOf(r), selector)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain client frames so close/ping control messages are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for status := range updates {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(status); err != nil {
			h.logger.Debug().Err(err).
				Str("job_key", status.JobKey).
				Msg("Follow stream write failed, dropping subscriber")
			return
		}
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job reached terminal status"))
}
