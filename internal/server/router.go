package server

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/streamwatch/internal/control"
	"github.com/loykin/streamwatch/internal/recorder"
	"github.com/loykin/streamwatch/internal/stability"
	"github.com/loykin/streamwatch/internal/status"
)

// Router exposes monitor state and control over HTTP.
// Endpoints, relative to basePath:
//   GET  /status                   last status snapshot
//   GET  /recordings               held recording sessions
//   GET  /stability                tracker stats, or ?name=... for one entity
//   POST /recordings/:name/stop    stop one recording
//   POST /control/pause            query: duration=90s (optional, 0 waits for resume)
//   POST /control/resume
//   POST /control/stop             query: reason=... (optional)
//   GET  /files                    recording files, newest first
//   GET  /files/:name              download one recording file
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	deps     Deps
	basePath string
}

// Recorder is the read and stop surface of the lifecycle manager.
type Recorder interface {
	Sessions() []recorder.SessionInfo
	StopAsync(entity, reason string) bool
}

// Stability reads tracker state.
type Stability interface {
	Info(entity string) (stability.Info, bool)
	All() []stability.Info
	Stats() stability.Stats
}

// StatusSource returns the last published snapshot.
type StatusSource interface {
	Last() status.Snapshot
}

type Deps struct {
	Recorder  Recorder
	Stability Stability
	Status    StatusSource
	Control   *control.Channel
	// Files returns the recordings directory. The file routes are
	// registered only when it is set.
	Files func() string
	// Metrics, when set, is mounted at MetricsPath outside basePath.
	Metrics     http.Handler
	MetricsPath string
}

func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/recordings", r.handleRecordings)
	group.GET("/stability", r.handleStability)
	group.POST("/recordings/:name/stop", r.handleStopRecording)
	group.POST("/control/pause", r.handlePause)
	group.POST("/control/resume", r.handleResume)
	group.POST("/control/stop", r.handleStop)
	if r.deps.Files != nil {
		group.GET("/files", r.handleFiles)
		group.GET("/files/:name", r.handleDownload)
	}
	if r.deps.Metrics != nil {
		p := r.deps.MetricsPath
		if p == "" {
			p = "/metrics"
		}
		g.GET(p, gin.WrapH(r.deps.Metrics))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr serving h. A non-nil
// tlsCfg switches it to HTTPS.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config, log *slog.Logger) *http.Server {
	if log == nil {
		log = slog.Default()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type stabilityResp struct {
	Stats    stability.Stats  `json:"stats"`
	Entities []stability.Info `json:"entities"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.deps.Status == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "status not available"})
		return
	}
	s := r.deps.Status.Last()
	if s.Timestamp.IsZero() {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no status reported yet"})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleRecordings(c *gin.Context) {
	sessions := r.deps.Recorder.Sessions()
	if sessions == nil {
		sessions = []recorder.SessionInfo{}
	}
	writeJSON(c, http.StatusOK, sessions)
}

func (r *Router) handleStability(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		info, ok := r.deps.Stability.Info(name)
		if !ok {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "no stability record for " + name})
			return
		}
		writeJSON(c, http.StatusOK, info)
		return
	}
	all := r.deps.Stability.All()
	if all == nil {
		all = []stability.Info{}
	}
	writeJSON(c, http.StatusOK, stabilityResp{Stats: r.deps.Stability.Stats(), Entities: all})
}

func (r *Router) handleStopRecording(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	if !r.deps.Recorder.StopAsync(name, recorder.ReasonManual) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: name + " is not recording"})
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handlePause(c *gin.Context) {
	var d time.Duration
	if v := c.Query("duration"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid duration: " + v})
			return
		}
		d = parsed
	}
	r.send(c, control.Request{Kind: control.Pause, Duration: d, Reason: "api"})
}

func (r *Router) handleResume(c *gin.Context) {
	r.send(c, control.Request{Kind: control.Resume, Reason: "api"})
}

func (r *Router) handleStop(c *gin.Context) {
	r.send(c, control.Request{Kind: control.Stop, Reason: c.DefaultQuery("reason", "api")})
}

func (r *Router) send(c *gin.Context, req control.Request) {
	if r.deps.Control == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "control not available"})
		return
	}
	if !r.deps.Control.Send(req) {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "control queue full"})
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}
