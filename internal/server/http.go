package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"finger/internal/async"
	"finger/internal/ids"
	"finger/internal/mailbox"
	"finger/internal/resource"
)

// messageRequest is the POST /api/v1/message body.
type messageRequest struct {
	Target     string `json:"target" binding:"required"`
	Message    any    `json:"message" binding:"required"`
	Sender     string `json:"sender"`
	CallbackID string `json:"callbackId"`
}

// messageResponse mirrors the mailbox entry the caller polls.
type messageResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (a *App) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(a.requestLog())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsCfg.AllowWebSockets = true
	engine.Use(cors.New(corsCfg))

	engine.GET("/healthz", a.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", a.handleWebSocket)

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/message", a.handlePostMessage)
		v1.GET("/message/:id", a.handleGetMessage)
		v1.GET("/message/callback/:callbackId", a.handleGetMessageByCallback)
		v1.POST("/modules/register", a.handleRegisterModule)
		v1.GET("/modules", a.handleListModules)
		v1.GET("/resources", a.handleGetResources)
		v1.POST("/resources", a.handleAddResource)
		v1.GET("/events", a.handleEventHistory)
	}
	return engine
}

// requestLog writes one line per request on the component logger.
func (a *App) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (a *App) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(a.started).Seconds()),
		"agents":        a.AgentIDs(),
		"bus":           a.bus.Metrics(),
		"mailbox":       a.mailbox.Stats(),
	})
}

// handlePostMessage records the message in the mailbox and dispatches it to
// the target agent. The default is to wait for a terminal status; ?async=1
// returns immediately with the pending entry.
func (a *App) handlePostMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.CallbackID != "" && !ids.ValidCallbackID(req.CallbackID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callbackId must match cli-<ts>-<rand6>"})
		return
	}
	entry, err := a.mailbox.CreateMessage(req.Target, req.Message, req.Sender, req.CallbackID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Dispatch off the request goroutine; the handler below either waits on
	// the entry's terminal state or returns straight away.
	async.Go(a.logger, "dispatch-"+entry.ID, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		a.dispatch(ctx, entry)
	})

	if c.Query("async") == "1" {
		c.JSON(http.StatusAccepted, toMessageResponse(entry))
		return
	}
	final, err := a.mailbox.WaitTerminal(c.Request.Context(), entry.ID)
	if err != nil {
		// Caller went away; the dispatch still runs to completion.
		c.JSON(http.StatusAccepted, toMessageResponse(entry))
		return
	}
	c.JSON(http.StatusOK, toMessageResponse(final))
}

func (a *App) handleGetMessage(c *gin.Context) {
	entry, ok := a.mailbox.GetMessage(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (a *App) handleGetMessageByCallback(c *gin.Context) {
	entry, ok := a.mailbox.GetMessageByCallbackID(c.Param("callbackId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "callback not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (a *App) handleRegisterModule(c *gin.Context) {
	var manifest ModuleManifest
	if err := c.ShouldBindJSON(&manifest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.RegisterModule(manifest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": manifest.Name, "agents": len(manifest.Agents)})
}

func (a *App) handleListModules(c *gin.Context) {
	c.JSON(http.StatusOK, a.modules.List())
}

func (a *App) handleGetResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"report":  a.pool.StatusReport(),
		"catalog": a.pool.CapabilityCatalog(),
	})
}

func (a *App) handleAddResource(c *gin.Context) {
	var res resource.Resource
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	added, err := a.pool.AddResource(res)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, added)
}

func (a *App) handleEventHistory(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = parsed
	}
	if sessionID := c.Query("sessionId"); sessionID != "" {
		c.JSON(http.StatusOK, a.bus.SessionHistory(sessionID, limit))
		return
	}
	if eventType := c.Query("type"); eventType != "" {
		c.JSON(http.StatusOK, a.bus.HistoryByType(eventType, limit))
		return
	}
	if group := c.Query("group"); group != "" {
		c.JSON(http.StatusOK, a.bus.HistoryByGroup(group, limit))
		return
	}
	c.JSON(http.StatusOK, a.bus.History(limit))
}

func toMessageResponse(entry mailbox.Entry) messageResponse {
	return messageResponse{
		MessageID: entry.ID,
		Status:    string(entry.Status),
		Result:    entry.Result,
		Error:     entry.Error,
	}
}
