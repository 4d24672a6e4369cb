// Package worker implements the HTTP side of a stub grid worker that
// answers both client dialects without driving a browser.
package worker

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Worker answers session commands. Every new-session request succeeds; any
// command for an unknown session gets a 404, which is what a real worker
// replies once its browser has gone.
type Worker struct {
	mu       sync.Mutex
	sessions map[string]time.Time
	log      *zap.Logger
}

// NewWorker creates a worker with no sessions.
func NewWorker(log *zap.Logger) *Worker {
	return &Worker{sessions: make(map[string]time.Time), log: log.Named("worker")}
}

// Router returns the worker's HTTP handler.
func (w *Worker) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Any("/selenium-server/driver", w.legacy)
	router.Any("/selenium-server/driver/", w.legacy)

	wd := router.Group("/wd/hub")
	{
		wd.GET("/status", w.status)
		wd.POST("/session", w.newSession)
		wd.DELETE("/session/:id", w.deleteSession)
		wd.Any("/session/:id/*command", w.command)
	}
	return router
}

// Sessions returns the number of open sessions.
func (w *Worker) Sessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

func (w *Worker) start() string {
	id := uuid.NewString()
	w.mu.Lock()
	w.sessions[id] = time.Now()
	w.mu.Unlock()
	w.log.Info("session started", zap.String("session", id))
	return id
}

func (w *Worker) has(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sessions[id]
	return ok
}

func (w *Worker) end(id string) bool {
	w.mu.Lock()
	_, ok := w.sessions[id]
	delete(w.sessions, id)
	w.mu.Unlock()
	if ok {
		w.log.Info("session ended", zap.String("session", id))
	}
	return ok
}

// legacy handles the RC dialect. Parameters come from the query string and
// the form body.
func (w *Worker) legacy(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "ERROR: "+err.Error())
		return
	}
	params := c.Request.Form

	switch params.Get("cmd") {
	case "getNewBrowserSession":
		c.String(http.StatusOK, "OK,"+w.start())
	case "testComplete":
		w.end(params.Get("sessionId"))
		c.String(http.StatusOK, "OK")
	default:
		if !w.has(params.Get("sessionId")) {
			c.String(http.StatusNotFound, "ERROR: session not found")
			return
		}
		c.String(http.StatusOK, "OK")
	}
}

func (w *Worker) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": 0, "value": gin.H{"sessions": w.Sessions()}})
}

func (w *Worker) newSession(c *gin.Context) {
	var req struct {
		DesiredCapabilities map[string]any `json:"desiredCapabilities"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": 13, "value": gin.H{"message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": w.start(), "status": 0, "value": req.DesiredCapabilities})
}

func (w *Worker) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if !w.end(id) {
		noSuchSession(c, id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "status": 0, "value": nil})
}

func (w *Worker) command(c *gin.Context) {
	id := c.Param("id")
	if !w.has(id) {
		noSuchSession(c, id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "status": 0, "value": nil})
}

func noSuchSession(c *gin.Context, id string) {
	c.JSON(http.StatusNotFound, gin.H{"sessionId": id, "status": 6, "value": gin.H{"message": "no such session"}})
}
