package api

import (
	"context"
	"errors"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type streamRequest struct {
	Image    string `json:"image"`
	ModelKey string `json:"modelKey"`
}

type streamResponse struct {
	Image    string `json:"image,omitempty"`
	ModelKey string `json:"modelKey,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleLiveStream restores frames sent over a WebSocket. The connection holds
// one model through a session; switching keys moves the reference and closing
// the connection releases it.
func (h *Handler) handleLiveStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := h.Models.NewSession()
	defer func() {
		key := session.Key()
		session.Close()
		log.Printf("[WS] Connection from %s closed, released model '%s'.", c.ClientIP(), key)
	}()
	log.Printf("[WS] Connection accepted from %s.", c.ClientIP())

	for {
		var req streamRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[WS] Read error: %v", err)
			}
			return
		}

		key := req.ModelKey
		if key == "" {
			key = h.defaultModel
		}

		inst, err := session.Use(ctx, key)
		if err != nil {
			log.Printf("[WS] Model loading error: %v", err)
			if werr := conn.WriteJSON(streamResponse{Error: "Model loading error: " + err.Error()}); werr != nil {
				return
			}
			continue
		}

		out, err := h.Stream.RestoreDataURL(ctx, inst, req.Image)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if werr := conn.WriteJSON(streamResponse{Error: "Server processing error: " + err.Error()}); werr != nil {
				return
			}
			continue
		}

		if err := conn.WriteJSON(streamResponse{Image: out, ModelKey: key}); err != nil {
			return
		}
	}
}
