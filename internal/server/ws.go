package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"finger/internal/async"
	"finger/internal/bus"
	"finger/internal/ids"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon binds loopback; cross-origin browser clients are the web UI
	// served from another local port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// subscribeFrame is the only inbound frame clients send. An empty frame
// clears the filter so the client receives everything.
type subscribeFrame struct {
	Type       string   `json:"type"`
	Target     string   `json:"target,omitempty"`
	WorkflowID string   `json:"workflowId,omitempty"`
	Types      []string `json:"types,omitempty"`
	Groups     []string `json:"groups,omitempty"`
}

// handleWebSocket attaches one streaming client to the bus. A client with no
// subscribe frame receives every event; subscribe frames narrow the stream.
// Send failures evict the client rather than blocking emitters.
func (a *App) handleWebSocket(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade: %v", err)
		return
	}
	clientID := "ws-" + ids.NewEventID()
	events := a.bus.RegisterClient(clientID, nil)
	a.metrics.WSConnected()
	a.logger.Debug("websocket client %s connected from %s", clientID, c.ClientIP())

	done := make(chan struct{})

	// Writer half: drain the bus channel until it closes (eviction or
	// shutdown) or the reader sees the connection drop.
	async.Go(a.logger, "ws-write-"+clientID, func() {
		defer func() { _ = conn.Close() }()
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if werr := conn.WriteJSON(wireEvent(evt)); werr != nil {
					a.logger.Debug("websocket client %s send failed: %v", clientID, werr)
					a.metrics.WSEvicted()
					a.bus.UnregisterClient(clientID)
					return
				}
			case <-done:
				return
			}
		}
	})

	// Reader half: apply subscribe frames until the connection closes.
	for {
		_, raw, rerr := conn.ReadMessage()
		if rerr != nil {
			break
		}
		var frame subscribeFrame
		if jerr := json.Unmarshal(raw, &frame); jerr != nil {
			a.logger.Debug("websocket client %s bad frame: %v", clientID, jerr)
			continue
		}
		if frame.Type != "subscribe" {
			continue
		}
		a.bus.SetClientFilter(clientID, filterFrom(frame))
	}

	close(done)
	a.bus.UnregisterClient(clientID)
	a.metrics.WSDisconnected()
	a.logger.Debug("websocket client %s disconnected", clientID)
}

// filterFrom maps a subscribe frame onto a bus filter. Target and workflow
// narrowing ride in Types as-is only when explicit types were given; an
// otherwise-empty frame means no filtering.
func filterFrom(frame subscribeFrame) *bus.ClientFilter {
	if len(frame.Types) == 0 && len(frame.Groups) == 0 {
		return nil
	}
	return &bus.ClientFilter{Types: frame.Types, Groups: frame.Groups}
}

// wireEvent is the single-JSON-object event shape clients receive.
func wireEvent(evt bus.Event) map[string]any {
	out := map[string]any{
		"type":      evt.Type,
		"timestamp": evt.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":   evt.Payload,
	}
	if evt.ID != "" {
		out["id"] = evt.ID
	}
	if evt.SessionID != "" {
		out["sessionId"] = evt.SessionID
	}
	if evt.WorkflowID != "" {
		out["workflowId"] = evt.WorkflowID
	}
	if evt.TaskID != "" {
		out["taskId"] = evt.TaskID
	}
	if evt.AgentID != "" {
		out["agentId"] = evt.AgentID
	}
	return out
}
