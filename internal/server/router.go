package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/swapr/internal/auth"
	"github.com/loykin/swapr/internal/metrics"
	"github.com/loykin/swapr/internal/upgrade"
)

// Orchestrator is the part of upgrade.Orchestrator the agent drives.
type Orchestrator interface {
	Upgrade(ctx context.Context, candidate string) upgrade.Result
	Rollback(ctx context.Context) upgrade.Result
	Status(ctx context.Context) (upgrade.Report, error)
}

// Router provides embeddable HTTP handlers for the agent.
// Endpoints:
//
//	GET  {basePath}/status
//	POST {basePath}/upgrade    body: {"candidate": "/abs/path"} (empty: resolve)
//	POST {basePath}/rollback
//	GET  {basePath}/metrics
//
// Upgrade and rollback run synchronously; the response carries the outcome.
// basePath may be empty or start with '/'; no trailing slash. With an auth
// service configured every endpoint except metrics needs a bearer token.
type Router struct {
	orch     Orchestrator
	basePath string
	auth     *auth.Service
}

// Option customises a Router.
type Option func(*Router)

// WithAuth requires bearer tokens verified by svc.
func WithAuth(svc *auth.Service) Option { return func(r *Router) { r.auth = svc } }

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/swapr" results in /swapr/status, /swapr/upgrade, ...
func NewRouter(orch Orchestrator, basePath string, opts ...Option) *Router {
	r := &Router{orch: orch, basePath: sanitizeBase(basePath)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))

	m := auth.NewMiddleware(r.auth)
	api := group.Group("", m.GinAuth())
	api.GET("/status", m.GinRequireScope(auth.ScopeStatus), r.handleStatus)
	api.POST("/upgrade", m.GinRequireScope(auth.ScopeUpgrade), r.handleUpgrade)
	api.POST("/rollback", m.GinRequireScope(auth.ScopeRollback), r.handleRollback)
	return g
}

// NewServer builds a standalone HTTP server on addr using this router. The
// write timeout leaves room for a full upgrade attempt. The caller runs
// ListenAndServe and Shutdown.
func NewServer(addr, basePath string, orch Orchestrator, attemptBudget time.Duration, opts ...Option) *http.Server {
	r := NewRouter(orch, basePath, opts...)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      attemptBudget + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type upgradeReq struct {
	Candidate string `json:"candidate"`
}

type resultResp struct {
	Outcome upgrade.Outcome  `json:"outcome"`
	Kind    string           `json:"kind"`
	Phase   upgrade.Phase    `json:"phase"`
	Attempt *upgrade.Attempt `json:"attempt,omitempty"`
	Error   string           `json:"error,omitempty"`
	Summary string           `json:"summary"`
}

func toResp(res upgrade.Result) resultResp {
	out := resultResp{
		Outcome: res.Outcome,
		Kind:    res.Kind,
		Phase:   res.Phase,
		Attempt: res.Attempt,
		Summary: res.Line(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func (r *Router) handleStatus(c *gin.Context) {
	rep, err := r.orch.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleUpgrade(c *gin.Context) {
	var req upgradeReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	if !isSafeAbsPath(req.Candidate) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid candidate: must be absolute path without traversal"})
		return
	}
	// a client that disconnects must not abandon a half-finished attempt
	res := r.orch.Upgrade(context.WithoutCancel(c.Request.Context()), req.Candidate)
	writeJSON(c, httpStatus(res), toResp(res))
}

func (r *Router) handleRollback(c *gin.Context) {
	res := r.orch.Rollback(context.WithoutCancel(c.Request.Context()))
	writeJSON(c, httpStatus(res), toResp(res))
}
