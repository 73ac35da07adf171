package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"offline0/internal/cachestore"
	"offline0/internal/exchange"
	"offline0/internal/fetch"
	"offline0/internal/notify"
	"offline0/internal/replay"
	"offline0/internal/strategy"
	"offline0/internal/syncqueue"
	"offline0/internal/worker"
)

const (
	HeaderRequestID = "X-Request-Id"

	maxMessageBytes = 1 << 20
)

type ctxKey int

const requestIDKey ctxKey = 0

type Service struct {
	cfg Config
	log logrus.FieldLogger

	fetcher *fetch.Fetcher
	origin  *url.URL
	public  *url.URL

	stores  *Stores
	backend cachestore.Backend
	queue   syncqueue.Queue
	hub     *notify.Hub
	worker  *worker.Worker

	registry *prometheus.Registry
	monitor  *connectivity
	stats    *statsCollector

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewService opens storage, builds the worker and starts install and the
// background loops.
func NewService(cfg Config, log logrus.FieldLogger) (*Service, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	origin, err := parseOrigin(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}
	public, err := parseOrigin(cfg.Server.PublicOrigin)
	if err != nil {
		return nil, fmt.Errorf("server.publicOrigin: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		log:      log,
		origin:   origin,
		public:   public,
		hub:      notify.NewHub(log.WithField("component", "notify")),
		registry: prometheus.NewRegistry(),
		stats:    newStatsCollector(),
		stopCh:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	openCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	s.stores, err = OpenStores(openCtx, cfg)
	cancel()
	if err != nil {
		s.release()
		return nil, err
	}
	s.backend, s.queue = s.stores.Cache, s.stores.Queue
	s.fetcher = fetch.New(&http.Client{Timeout: 30 * time.Second}, cfg.MaxBodyBytes())

	s.worker, err = worker.New(worker.Options{
		Config: worker.Config{
			Self:        origin,
			APIPrefix:   cfg.Cache.APIPrefix,
			Namer:       cachestore.Namer{Prefix: cfg.Cache.Prefix, Generation: cfg.Cache.Generation},
			Limits:      worker.Limits{Static: cfg.Cache.Limits.Static, Images: cfg.Cache.Limits.Images, Dynamic: cfg.Cache.Limits.Dynamic},
			Timeout:     cfg.Timeout(),
			APITimeout:  cfg.APITimeout(),
			SkipWaiting: cfg.SkipWaiting(),
			SyncTag:     cfg.Sync.Tag,
			MaxRetries:  cfg.Sync.MaxRetries,
		},
		Backend:  s.backend,
		Queue:    s.queue,
		Fetcher:  s.fetcher,
		Notifier: s.hub,
		Metrics:  worker.NewMetrics(s.registry),
		Log:      log,
	})
	if err != nil {
		s.release()
		return nil, err
	}
	s.monitor = newConnectivity(log.WithField("component", "connectivity"), s.triggerSync)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.install()
	}()

	if every := cfg.ProbeEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.monitorLoop(every)
		}()
	}
	if every := cfg.LogStatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	return s, nil
}

// install checks the origin once, which replays writes queued by an earlier
// run when it answers, then expands the precache manifest and runs the
// lifecycle install.
func (s *Service) install() {
	ctx := s.ctx
	s.monitor.Report(s.probeOnce(ctx))

	manifest := s.precacheManifest(ctx)
	s.worker.Lifecycle().Manifest = s.resolveManifest(manifest)
	if _, err := s.worker.Dispatch(ctx, worker.Event{Kind: worker.KindInstall}); err != nil {
		s.log.WithError(err).Error("install failed")
	}
}

func (s *Service) resolveManifest(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		u, err := url.Parse(p)
		if err != nil {
			s.log.WithField("url", p).WithError(err).Warn("skipping precache entry")
			continue
		}
		out = append(out, s.origin.ResolveReference(u).String())
	}
	return out
}

// triggerSync replays the queue in the background when it holds anything.
func (s *Service) triggerSync() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if items, err := s.queue.ListPending(s.ctx); err == nil && len(items) == 0 {
			return
		}
		_, err := s.worker.Dispatch(s.ctx, worker.Event{Kind: worker.KindSync, Tag: s.cfg.Sync.Tag})
		if err != nil && !errors.Is(err, replay.ErrInProgress) {
			s.log.WithError(err).Warn("background sync failed")
		}
	}()
}

func (s *Service) Worker() *worker.Worker { return s.worker }

func (s *Service) Queue() syncqueue.Queue { return s.queue }

func (s *Service) Close() {
	s.closed.Do(func() {
		close(s.stopCh)
		s.cancel()
		s.wg.Wait()
		s.release()
	})
}

func (s *Service) release() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.stores != nil {
		if err := s.stores.Close(); err != nil {
			s.log.WithError(err).Warn("closing storage")
		}
	}
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Route("/__offline", func(r chi.Router) {
		r.Post("/message", s.handleMessage)
		r.Post("/sync", s.handleSync)
		r.Method(http.MethodGet, "/events", s.hub.Handler())
	})
	r.Handle("/*", http.HandlerFunc(s.intercept))

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// Absolute-form requests come from clients using us as a forward
		// proxy; they never address the control plane.
		if req.URL.IsAbs() {
			requestID(http.HandlerFunc(s.intercept)).ServeHTTP(w, req)
			return
		}
		r.ServeHTTP(w, req)
	})
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// targetURL maps an incoming request onto the URL the worker fetches.
func (s *Service) targetURL(r *http.Request) string {
	if r.URL.IsAbs() && r.URL.Host != s.public.Host {
		return r.URL.String()
	}
	return s.cfg.Server.Origin + r.URL.RequestURI()
}

func (s *Service) intercept(w http.ResponseWriter, r *http.Request) {
	log := s.log.WithFields(logrus.Fields{
		"request_id": requestIDFrom(r.Context()),
		"method":     r.Method,
		"url":        r.URL.String(),
	})

	req, err := exchange.FromHTTP(r, s.targetURL(r), s.cfg.MaxBodyBytes())
	if err != nil {
		if errors.Is(err, exchange.ErrTooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Header.Del(HeaderRequestID)

	res, err := s.worker.Dispatch(r.Context(), worker.Event{Kind: worker.KindFetch, Request: req})
	out := res.Outcome
	switch {
	case err != nil:
		s.monitor.Report(err)
	case out.Err != nil:
		s.monitor.Report(out.Err)
	case out.Source == strategy.SourceNetwork || out.Source == strategy.SourcePassthrough:
		s.monitor.Report(nil)
	}

	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, fetch.ErrTimeout) {
			status = http.StatusGatewayTimeout
		}
		log.WithField("category", res.Category).WithError(err).Debug("no response available")
		exchange.SetSourceHeaders(w.Header(), "bad-gateway")
		http.Error(w, http.StatusText(status), status)
		return
	}

	resp := out.Response
	if out.Source == strategy.SourceNetwork || out.Source == strategy.SourcePassthrough {
		resp = resp.WithSource(string(out.Source))
	}
	resp.Write(w)
	s.stats.Observe(len(resp.Body), out.Source != strategy.SourceNetwork && out.Source != strategy.SourcePassthrough)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg worker.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message: " + err.Error()})
		return
	}
	res, err := s.worker.Dispatch(r.Context(), worker.Event{Kind: worker.KindMessage, Message: msg})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, worker.ErrUnknownMessage) || errors.Is(err, worker.ErrBadMessage) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	reply := res.Reply
	if reply == nil {
		reply = struct{}{}
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = s.cfg.Sync.Tag
	}
	res, err := s.worker.Dispatch(r.Context(), worker.Event{Kind: worker.KindSync, Tag: tag})
	switch {
	case errors.Is(err, replay.ErrInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, res.Replay)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
