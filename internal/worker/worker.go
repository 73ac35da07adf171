// Package worker wires classification, strategies, the sync queue and the
// lifecycle into one event-dispatching interceptor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"offline0/internal/cachestore"
	"offline0/internal/classify"
	"offline0/internal/exchange"
	"offline0/internal/fetch"
	"offline0/internal/lifecycle"
	"offline0/internal/notify"
	"offline0/internal/replay"
	"offline0/internal/strategy"
	"offline0/internal/syncqueue"
)

type Kind string

const (
	KindFetch    Kind = "fetch"
	KindInstall  Kind = "install"
	KindActivate Kind = "activate"
	KindSync     Kind = "sync"
	KindMessage  Kind = "message"
)

// DefaultSyncTag names the connectivity-restored signal that drains the queue.
const DefaultSyncTag = "background-upload"

var ErrUnknownKind = errors.New("worker: unknown event kind")

// Event is one unit of work for Dispatch. Only the field matching Kind is
// read.
type Event struct {
	Kind    Kind
	Request exchange.Request
	Tag     string
	Message Message
}

// Result carries the answer to an Event. Only the fields matching the event
// kind are set.
type Result struct {
	Category classify.Category
	Outcome  strategy.Outcome
	Install  lifecycle.InstallReport
	Deleted  []string
	Replay   replay.Report
	Reply    any
}

type handler func(ctx context.Context, ev Event) (Result, error)

type Limits struct {
	Static  int
	Images  int
	Dynamic int
}

var DefaultLimits = Limits{Static: 50, Images: 200, Dynamic: 100}

type Config struct {
	// Self is the origin the worker serves. Other origins classify as api.
	Self      *url.URL
	APIPrefix string
	Namer     cachestore.Namer
	Limits    Limits

	Timeout    time.Duration
	APITimeout time.Duration

	// Manifest holds URLs pre-cached on install, absolute or relative to Self.
	Manifest            []string
	PrecacheConcurrency int
	SkipWaiting         bool

	SyncTag    string
	MaxRetries int
}

type Options struct {
	Config   Config
	Backend  cachestore.Backend
	Queue    syncqueue.Queue
	Fetcher  strategy.Fetcher
	Notifier notify.Notifier
	Metrics  *Metrics
	Log      logrus.FieldLogger
	Now      func() time.Time
}

type Worker struct {
	cfg        Config
	classifier classify.Classifier
	backend    cachestore.Backend
	queue      syncqueue.Queue
	fetcher    strategy.Fetcher
	metrics    *Metrics
	log        logrus.FieldLogger
	now        func() time.Time

	static, images, dynamic *cachestore.Bounded

	staticFirst, imageFirst strategy.Strategy
	apiFirst, dynamicFirst  strategy.Strategy

	lifecycle *lifecycle.Manager
	replay    *replay.Engine

	handlers map[Kind]handler
}

func New(opts Options) (*Worker, error) {
	cfg := opts.Config
	if opts.Backend == nil {
		return nil, fmt.Errorf("worker: cache backend is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("worker: sync queue is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("worker: fetcher is required")
	}
	if cfg.Self == nil {
		return nil, fmt.Errorf("worker: self origin is required")
	}
	if cfg.Namer.Prefix == "" || cfg.Namer.Generation == "" {
		return nil, fmt.Errorf("worker: cache prefix and generation are required")
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = fetch.DefaultTimeout
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = fetch.DefaultAPITimeout
	}
	if cfg.SyncTag == "" {
		cfg.SyncTag = DefaultSyncTag
	}

	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	manifest := make([]string, 0, len(cfg.Manifest))
	for _, raw := range cfg.Manifest {
		abs, err := resolve(cfg.Self, raw)
		if err != nil {
			return nil, fmt.Errorf("worker: manifest entry %q: %w", raw, err)
		}
		manifest = append(manifest, abs)
	}

	w := &Worker{
		cfg:        cfg,
		classifier: classify.New(cfg.Self, cfg.APIPrefix),
		backend:    opts.Backend,
		queue:      opts.Queue,
		fetcher:    opts.Fetcher,
		metrics:    opts.Metrics,
		log:        log,
		now:        now,
	}

	w.static = w.bounded(cfg.Namer.Static(), cfg.Limits.Static)
	w.images = w.bounded(cfg.Namer.Images(), cfg.Limits.Images)
	w.dynamic = w.bounded(cfg.Namer.Dynamic(), cfg.Limits.Dynamic)

	w.staticFirst = &strategy.CacheFirst{
		Store: w.static, Fetcher: w.fetcher, Timeout: cfg.Timeout,
		Fallback: strategy.NavigationFallback, Log: log, Now: now,
	}
	w.imageFirst = &strategy.CacheFirst{
		Store: w.images, Fetcher: w.fetcher, Timeout: cfg.Timeout,
		Fallback: strategy.Chain(strategy.NavigationFallback, strategy.ImageFallback), Log: log, Now: now,
	}
	w.apiFirst = w.networkFirst(cfg.APITimeout)
	w.dynamicFirst = w.networkFirst(cfg.Timeout)

	w.lifecycle = &lifecycle.Manager{
		Backend:     w.backend,
		Namer:       cfg.Namer,
		StaticLimit: cfg.Limits.Static,
		Fetcher:     w.fetcher,
		Timeout:     cfg.Timeout,
		Manifest:    manifest,
		SkipWaiting: cfg.SkipWaiting,
		Concurrency: cfg.PrecacheConcurrency,
		Log:         log.WithField("component", "lifecycle"),
		Now:         now,
	}
	w.replay = &replay.Engine{
		Queue:      w.queue,
		Fetcher:    w.fetcher,
		Notifier:   opts.Notifier,
		Timeout:    cfg.APITimeout,
		MaxRetries: cfg.MaxRetries,
		Log:        log.WithField("component", "replay"),
		Observe:    w.metrics.RecordReplay,
	}

	w.handlers = map[Kind]handler{
		KindFetch:    w.handleFetch,
		KindInstall:  w.handleInstall,
		KindActivate: w.handleActivate,
		KindSync:     w.handleSync,
		KindMessage:  w.handleMessage,
	}
	return w, nil
}

func (w *Worker) bounded(name string, max int) *cachestore.Bounded {
	b := cachestore.NewBounded(w.backend, name, max)
	b.OnEvict = w.metrics.RecordEviction
	return b
}

func (w *Worker) networkFirst(timeout time.Duration) *strategy.NetworkFirst {
	return &strategy.NetworkFirst{
		Store:    w.dynamic,
		Queue:    w.queue,
		Fetcher:  w.fetcher,
		Timeout:  timeout,
		Fallback: strategy.NavigationFallback,
		Log:      w.log,
		Now:      w.now,
		OnEnqueue: func(syncqueue.Item) {
			w.metrics.RecordEnqueue()
			w.refreshQueueDepth(context.Background())
		},
	}
}

// Dispatch routes ev to the handler registered for its kind.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	h, ok := w.handlers[ev.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
	return h(ctx, ev)
}

func (w *Worker) Lifecycle() *lifecycle.Manager { return w.lifecycle }

func (w *Worker) Config() Config { return w.cfg }

// Classify exposes the routing category of a request.
func (w *Worker) Classify(req exchange.Request) (classify.Category, error) {
	target, err := req.Target()
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", req.URL, err)
	}
	return w.classifier.Classify(req.Method, target), nil
}

func (w *Worker) handleFetch(ctx context.Context, ev Event) (Result, error) {
	req := ev.Request
	cat, err := w.Classify(req)
	if err != nil {
		return Result{}, err
	}
	started := time.Now()

	var out strategy.Outcome
	if !w.lifecycle.Controlling() {
		resp, ferr := w.fetcher.Fetch(ctx, req, w.timeoutFor(cat))
		out, err = strategy.Outcome{Response: resp, Source: strategy.SourcePassthrough}, ferr
	} else {
		out, err = w.route(req.Method, cat).Handle(ctx, req)
	}

	source := string(out.Source)
	if err != nil {
		source = "error"
	}
	w.metrics.RecordRequest(string(cat), source, time.Since(started).Seconds())
	return Result{Category: cat, Outcome: out}, err
}

// route picks the strategy for a request. Mutating requests always go
// network-first so a failed write is queued rather than lost.
func (w *Worker) route(method string, cat classify.Category) strategy.Strategy {
	if !classify.IsRead(method) {
		if cat == classify.API {
			return w.apiFirst
		}
		return w.dynamicFirst
	}
	switch cat {
	case classify.Static:
		return w.staticFirst
	case classify.Image:
		return w.imageFirst
	case classify.API:
		return w.apiFirst
	default:
		return w.dynamicFirst
	}
}

func (w *Worker) timeoutFor(cat classify.Category) time.Duration {
	if cat == classify.API {
		return w.cfg.APITimeout
	}
	return w.cfg.Timeout
}

func (w *Worker) handleInstall(ctx context.Context, _ Event) (Result, error) {
	rep, err := w.lifecycle.Install(ctx)
	return Result{Install: rep}, err
}

func (w *Worker) handleActivate(ctx context.Context, _ Event) (Result, error) {
	deleted, err := w.lifecycle.Activate(ctx)
	return Result{Deleted: deleted}, err
}

func (w *Worker) handleSync(ctx context.Context, ev Event) (Result, error) {
	if ev.Tag != w.cfg.SyncTag {
		w.log.WithField("tag", ev.Tag).Debug("ignoring sync with unknown tag")
		return Result{}, nil
	}
	rep, err := w.replay.Replay(ctx)
	w.refreshQueueDepth(ctx)
	return Result{Replay: rep}, err
}

func (w *Worker) refreshQueueDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	items, err := w.queue.ListPending(ctx)
	if err != nil {
		return
	}
	w.metrics.SetQueueDepth(len(items))
}

func resolve(base *url.URL, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}
