package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/dbnest/internal/events"
	"github.com/loykin/dbnest/internal/manager"
	"github.com/loykin/dbnest/internal/store"
)

// Supervisor is the lifecycle surface the HTTP layer exposes. The
// manager implements it; tests substitute a stub.
type Supervisor interface {
	Create(ctx context.Context, req manager.CreateRequest) (store.Record, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (store.Record, error)
	List(ctx context.Context) ([]store.Record, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Status(id string) (store.Status, int)
	UpdateCredentials(ctx context.Context, id, username, password string) error
	Check(ctx context.Context, id string) (manager.CheckResult, error)
	AutoStart(ctx context.Context) (manager.Summary, error)
	ReconcileOnStartup(ctx context.Context) error
	KillAll(ctx context.Context)
	RecentEvents(ctx context.Context, limit int) ([]events.Event, error)
}

// Router provides embeddable HTTP handlers for the database lifecycle
// API. Endpoints live under {basePath}/databases plus application-wide
// operations (autostart, reconcile, killall, events).
type Router struct {
	sup      Supervisor
	basePath string
	extra    []func(*gin.RouterGroup)
}

func NewRouter(sup Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// Mount registers an extra route group hook (e.g. /metrics) on the
// root group when the handler is built.
func (r *Router) Mount(f func(*gin.RouterGroup)) { r.extra = append(r.extra, f) }

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	root := g.Group("")
	for _, f := range r.extra {
		f(root)
	}
	group := g.Group(r.basePath)
	group.POST("/databases", r.handleCreate)
	group.GET("/databases", r.handleList)
	group.GET("/databases/:id", r.handleGet)
	group.DELETE("/databases/:id", r.handleDelete)
	group.POST("/databases/:id/start", r.handleStart)
	group.POST("/databases/:id/stop", r.handleStop)
	group.GET("/databases/:id/status", r.handleStatus)
	group.POST("/databases/:id/credentials", r.handleCredentials)
	group.GET("/databases/:id/check", r.handleCheck)
	group.POST("/autostart", r.handleAutoStart)
	group.POST("/reconcile", r.handleReconcile)
	group.POST("/killall", r.handleKillAll)
	group.GET("/events", r.handleEvents)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	ID     string       `json:"id"`
	Status store.Status `json:"status"`
	PID    int          `json:"pid,omitempty"`
}

func (r *Router) handleCreate(c *gin.Context) {
	var req manager.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.ContainerID != "" && !isSafeName(req.ContainerID) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid container_id: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	rec, err := r.sup.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (r *Router) handleList(c *gin.Context) {
	recs, err := r.sup.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	c.JSON(http.StatusOK, recs)
}

func (r *Router) handleGet(c *gin.Context) {
	id := c.Param("id")
	rec, err := r.sup.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusForErr(err), errorResp{Error: err.Error()})
		return
	}
	st, pid := r.sup.Status(id)
	rec.Status = st
	rec.PID = pid
	c.JSON(http.StatusOK, rec)
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.sup.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusForErr(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.sup.Start(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusForErr(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.sup.Stop(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusForErr(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.sup.Get(c.Request.Context(), id); err != nil {
		c.JSON(statusForErr(err), errorResp{Error: err.Error()})
		return
	}
	st, pid := r.sup.Status(id)
	c.JSON(http.StatusOK, statusResp{ID: id, Status: st, PID: pid})
}

type credentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r *Router) handleCredentials(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Username == "" && req.Password == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "username or password required"})
		return
	}
	if err := r.sup.UpdateCredentials(c.Request.Context(), c.Param("id"), req.Username, req.Password); err != nil {
		c.JSON(statusForErr(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleCheck(c *gin.Context) {
	res, err := r.sup.Check(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusForErr(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) handleAutoStart(c *gin.Context) {
	sum, err := r.sup.AutoStart(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (r *Router) handleReconcile(c *gin.Context) {
	if err := r.sup.ReconcileOnStartup(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleKillAll(c *gin.Context) {
	r.sup.KillAll(c.Request.Context())
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleEvents(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "limit must be 1..1000"})
			return
		}
		limit = n
	}
	evs, err := r.sup.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	c.JSON(http.StatusOK, evs)
}

// statusForErr maps lifecycle errors to HTTP status codes.
func statusForErr(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrAlreadyRunning),
		errors.Is(err, manager.ErrNotRunning),
		errors.Is(err, manager.ErrPortInUse):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
