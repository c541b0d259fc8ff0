package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"taskrunner/internal/monitor"
	"taskrunner/internal/runner"
	rtsup "taskrunner/internal/runtime/supervisor"
	"taskrunner/internal/scheduler"
	logx "taskrunner/pkg/logx"
)

const (
	defaultAddr   = "127.0.0.1:9464"
	pprofPrefix   = "/debug/pprof/"
	recentEvents  = 50
	statusVersion = 1
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	CORSOrigins   []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Sources are the live components /status reports on. Nil fields are
// omitted from the response.
type Sources struct {
	Monitor    MonitorView
	Scheduler  SchedulerView
	Runner     RunnerView
	Supervisor *rtsup.Supervisor
}

type MonitorView interface {
	Health() monitor.Health
	AllStats() map[string]monitor.Stats
	RecentEvents(limit int) []monitor.Event
	Dropped() uint64
}

type SchedulerView interface {
	Snapshot() scheduler.Snapshot
}

type RunnerView interface {
	ListActive() []runner.Active
}

type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	src     Sources
	metrics *Metrics
	started time.Time
	now     func() time.Time

	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, src Sources, metrics *Metrics, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	return &Server{cfg: cfg, src: src, metrics: metrics, log: log, now: time.Now, started: time.Now()}
}

// Start runs the server under a restart loop. It is a no-op when disabled
// or already running.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil || s.stopDone != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("diag.serve", s.serveOnce, 500*time.Millisecond, 10*time.Second)
}

// Stop shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		sup.Cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("diagnostics stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("diagnostics refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return errors.New("diagnostics refused to start: insecure bind")
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("diagnostics running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("diagnostics started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
	)

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("diagnostics server exited unexpectedly")
	}
	return err
}

// Handler builds the route table. Every route goes through the token check.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	var status http.Handler = wrap(s.handleStatus)
	if len(cur.CORSOrigins) > 0 {
		status = cors.New(cors.Options{
			AllowedOrigins: cur.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Authorization"},
		}).Handler(status)
	}
	mux.Handle("/status", status)

	if s.metrics != nil {
		mux.Handle("/metrics", wrap(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP))
	}

	if cur.Pprof {
		base := strings.TrimSuffix(pprofPrefix, "/")
		mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
		mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
		mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	}
	return mux
}

type statusResponse struct {
	Version    int                   `json:"version"`
	Now        time.Time             `json:"now"`
	Uptime     string                `json:"uptime"`
	Health     *monitor.Health       `json:"health,omitempty"`
	Tasks      map[string]taskStatus `json:"tasks,omitempty"`
	Recent     []monitor.Event       `json:"recentEvents,omitempty"`
	Dropped    uint64                `json:"droppedEvents"`
	Scheduler  *scheduler.Snapshot   `json:"scheduler,omitempty"`
	Active     []runner.Active       `json:"active,omitempty"`
	Goroutines []rtsup.Stats         `json:"goroutines,omitempty"`
}

type taskStatus struct {
	monitor.Stats
	SuccessRate float64 `json:"successRate"`
	Healthy     bool    `json:"healthy"`
	LastExecAgo string  `json:"lastExecutionAgo,omitempty"`
	NextRunIn   string  `json:"nextRunIn,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := s.now()
	resp := statusResponse{
		Version: statusVersion,
		Now:     now,
		Uptime:  humanize.RelTime(s.started, now, "", ""),
	}

	next := map[string]time.Time{}
	if s.src.Scheduler != nil {
		snap := s.src.Scheduler.Snapshot()
		resp.Scheduler = &snap
		for _, j := range snap.Jobs {
			next[j.ID] = j.Next
		}
	}
	if s.src.Monitor != nil {
		h := s.src.Monitor.Health()
		resp.Health = &h
		resp.Dropped = s.src.Monitor.Dropped()
		resp.Recent = s.src.Monitor.RecentEvents(recentEvents)
		resp.Tasks = map[string]taskStatus{}
		for id, st := range s.src.Monitor.AllStats() {
			ts := taskStatus{Stats: st, SuccessRate: st.SuccessRate(), Healthy: st.Healthy()}
			if st.LastExecution != nil {
				ts.LastExecAgo = humanize.RelTime(*st.LastExecution, now, "ago", "from now")
			}
			if n, ok := next[id]; ok && !n.IsZero() {
				ts.NextRunIn = humanize.RelTime(n, now, "ago", "from now")
			}
			resp.Tasks[id] = ts
		}
	}
	if s.src.Runner != nil {
		resp.Active = s.src.Runner.ListActive()
	}
	if s.src.Supervisor != nil {
		resp.Goroutines = s.src.Supervisor.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(resp)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
