package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/loykin/stackup/internal/backup"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/orchestrator"
)

// Backend is the read-only view of the orchestrator the API serves.
type Backend interface {
	Status(ctx context.Context) (*orchestrator.StatusReport, error)
	Plan(ctx context.Context, opts orchestrator.PlanOptions) (*orchestrator.Plan, error)
	VerifyState(ctx context.Context) (*orchestrator.Verification, error)
	ListBackups(name string) ([]backup.Record, error)
}

// Router provides embeddable read-only HTTP handlers.
// Endpoints:
//
//	GET {basePath}/status
//	GET {basePath}/plan           query: latest=1 to query upstream releases
//	GET {basePath}/verify         409 when the state document is invalid
//	GET {basePath}/backups        query: component=... (optional)
//	GET /metrics
//	GET /healthz
//
// Nothing here takes the state lock or mutates state.
type Router struct {
	b        Backend
	metrics  http.Handler
	basePath string
	now      func() time.Time
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/status, /api/plan and so on. A nil metrics handler disables /metrics.
func NewRouter(b Backend, metrics http.Handler, basePath string) *Router {
	return &Router{b: b, metrics: metrics, basePath: sanitizeBase(basePath), now: time.Now}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/plan", r.handlePlan)
	group.GET("/verify", r.handleVerify)
	group.GET("/backups", r.handleBackups)
	return g
}

// NewServer returns an http.Server for the router; the caller runs and
// shuts it down.
func NewServer(addr, basePath string, b Backend, metrics http.Handler) *http.Server {
	r := NewRouter(b, metrics, basePath)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// plan with latest=1 queries upstream per component
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	Name  string `json:"name"`
	Hint  string `json:"hint,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	rep, err := r.b.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handlePlan(c *gin.Context) {
	latest, _ := strconv.ParseBool(c.DefaultQuery("latest", "false"))
	plan, err := r.b.Plan(c.Request.Context(), orchestrator.PlanOptions{CheckLatest: latest})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, plan)
}

func (r *Router) handleVerify(c *gin.Context) {
	v, err := r.b.VerifyState(c.Request.Context())
	if err != nil && v == nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if err != nil {
		code = statusFor(err)
	}
	writeJSON(c, code, v)
}

type backupView struct {
	Component string    `json:"component"`
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Age       string    `json:"age"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"size_human"`
	Path      string    `json:"path"`
}

func (r *Router) handleBackups(c *gin.Context) {
	name := c.Query("component")
	if name != "" && !isSafeName(name) {
		writeError(c, errs.New(errs.CodeValidation, "invalid component %q: allowed [A-Za-z0-9._-] and no '..'", name))
		return
	}
	recs, err := r.b.ListBackups(name)
	if err != nil {
		writeError(c, err)
		return
	}
	now := r.now()
	out := make([]backupView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, backupView{
			Component: rec.Component,
			ID:        rec.ID,
			Version:   rec.Manifest.Version,
			Timestamp: rec.Manifest.Timestamp,
			Age:       humanize.RelTime(rec.Manifest.Timestamp, now, "ago", "from now"),
			Size:      rec.Size,
			SizeHuman: humanize.Bytes(uint64(rec.Size)),
			Path:      rec.Path,
		})
	}
	writeJSON(c, http.StatusOK, out)
}
