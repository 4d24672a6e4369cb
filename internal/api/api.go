// Package api is the hub's HTTP surface: worker registration and heartbeats
// under /grid, and the two client dialects under /selenium-server/driver and
// /wd/hub/session.
package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dreamware/gridhub/internal/cluster"
	"github.com/dreamware/gridhub/internal/config"
	"github.com/dreamware/gridhub/internal/coordinator"
	"github.com/dreamware/gridhub/internal/forward"
	"github.com/dreamware/gridhub/internal/pool"
	"github.com/dreamware/gridhub/internal/protocol"
)

const (
	msgInvalidParameters = "Invalid parameters"
	msgInvalidEndpoint   = "Unable to handle request - Invalid endpoint or request."
	webDriverPrefix      = "/wd/hub/session"
)

const welcomePage = `<html><head><title>Grid Hub</title></head>` +
	`<body><h1>Grid Hub</h1><p>Workers register at /grid/register. ` +
	`Clients connect to /wd/hub or /selenium-server/driver.</p></body></html>`

// ExpiryLog reports when a worker was dropped for missing heartbeats.
type ExpiryLog interface {
	LastExpired(addr pool.Address) (time.Time, bool)
}

// API holds the HTTP handlers of the hub process.
type API struct {
	hub      *coordinator.Hub
	cfg      *config.Config
	log      *zap.Logger
	expiries ExpiryLog
}

// NewAPI creates the handlers.
func NewAPI(hub *coordinator.Hub, cfg *config.Config, log *zap.Logger) *API {
	return &API{hub: hub, cfg: cfg, log: log.Named("api")}
}

// SetExpiryLog lets the proxy status tell a worker that it was dropped for
// missing heartbeats.
func (a *API) SetExpiryLog(l ExpiryLog) {
	a.expiries = l
}

// NewRouter builds the gin engine with every hub route installed.
func NewRouter(api *API) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router)
	return router
}

// SetupRoutes configures all API routes.
func (a *API) SetupRoutes(router *gin.Engine) {
	router.GET("/", a.welcome)

	grid := router.Group("/grid")
	{
		grid.POST("/register", a.register)
		grid.GET("/unregister", a.unregister)
		grid.GET("/api/proxy", a.proxyStatus)
		grid.GET("/api/hub", a.hubStatus)
		grid.GET("/api/sessions", a.listSessions)
	}

	router.Any("/selenium-server/*path", a.dispatch)
	router.Any("/wd/hub/*path", a.dispatch)

	router.NoRoute(a.invalidEndpoint)
}

func (a *API) welcome(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(welcomePage))
}

func (a *API) invalidEndpoint(c *gin.Context) {
	c.String(http.StatusBadRequest, msgInvalidEndpoint)
}

// register handles POST /grid/register
func (a *API) register(c *gin.Context) {
	var req cluster.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.log.Info("bad registration body", zap.Error(err))
		c.String(http.StatusBadRequest, msgInvalidParameters)
		return
	}

	addr, caps, err := req.Decode()
	if err != nil {
		a.log.Info("rejected registration", zap.Error(err))
		c.String(http.StatusBadRequest, msgInvalidParameters)
		return
	}

	a.hub.RegisterNode(addr, caps)
	c.String(http.StatusOK, "OK - Welcome")
}

// unregister handles GET /grid/unregister?id=http://host:port
func (a *API) unregister(c *gin.Context) {
	addr, err := pool.ParseAddress(c.Query("id"))
	if err != nil {
		c.String(http.StatusBadRequest, msgInvalidParameters)
		return
	}
	a.hub.RemoveNode(addr)
	c.String(http.StatusOK, "OK - Bye")
}

// proxyStatus handles GET /grid/api/proxy?id=http://host:port. Workers poll
// it as their heartbeat, so it always answers 200.
func (a *API) proxyStatus(c *gin.Context) {
	id := c.Query("id")
	addr, err := pool.ParseAddress(id)
	if err == nil && a.hub.Heartbeat(addr) {
		c.JSON(http.StatusOK, cluster.ProxyStatus{Msg: "Proxy found!", Success: true})
		return
	}
	msg := "Cannot find proxy with ID=" + id + " in the registry."
	if err == nil && a.expiries != nil {
		if at, ok := a.expiries.LastExpired(addr); ok {
			msg += " Removed at " + at.UTC().Format(time.RFC3339) + " after missing heartbeats."
		}
	}
	c.JSON(http.StatusOK, cluster.ProxyStatus{Msg: msg, Success: false})
}

// hubStatus handles GET /grid/api/hub
func (a *API) hubStatus(c *gin.Context) {
	doc, ok, err := a.cfg.HubDocument()
	if err != nil {
		a.log.Warn("cannot read hub config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ok {
		c.Data(http.StatusOK, "application/json", doc)
		return
	}
	c.JSON(http.StatusOK, a.cfg.Describe())
}

// listSessions handles GET /grid/api/sessions
func (a *API) listSessions(c *gin.Context) {
	sessions := a.hub.Sessions()
	pending := a.hub.Pending()
	c.JSON(http.StatusOK, gin.H{
		"count":    len(sessions),
		"sessions": sessions,
		"pending":  pending,
	})
}

// dispatch hands a client request to the hub and writes back whatever the
// hub returns, be it a worker's reply or one of its own.
func (a *API) dispatch(c *gin.Context) {
	path := c.Request.URL.Path
	if !strings.HasPrefix(path, protocol.LegacyPathPrefix) && !strings.HasPrefix(path, webDriverPrefix) {
		a.invalidEndpoint(c)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, msgInvalidParameters)
		return
	}

	req := &forward.Request{
		Method: c.Request.Method,
		URI:    c.Request.URL.RequestURI(),
		Header: c.Request.Header.Clone(),
		Body:   body,
	}
	resp := a.hub.Dispatch(c.Request.Context(), req)
	if resp.Aborted {
		// the client went away; nobody is left to read the reply
		a.log.Debug("request aborted", zap.String("uri", req.URI))
	}

	forward.CopyHeaders(c.Writer.Header(), resp.Header)
	c.Status(resp.StatusCode)
	if _, err := c.Writer.Write(resp.Body); err != nil {
		a.log.Debug("client write failed", zap.String("uri", req.URI), zap.Error(err))
	}
}
