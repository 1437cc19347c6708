package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/transitflow/internal/runtime/config"
	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	"github.com/drblury/transitflow/internal/runtime/logging"
	"github.com/drblury/transitflow/transport"
)

const handlerName = "transitflow_notifications"

// Dependencies are the optional collaborators of a Dispatcher. Renderer is
// required.
type Dependencies struct {
	Renderer Renderer
	// Transport overrides building one from config. The dispatcher does not
	// close a supplied transport.
	Transport *transport.Transport
	// Registry resolves Transport.PubSubSystem. Defaults to
	// transport.DefaultRegistry.
	Registry *transport.Registry
	// Registerer enables the Prometheus router metrics and, with a metrics
	// port configured, a /metrics endpoint.
	Registerer prometheus.Registerer
	Hooks      JobHooks
	// Middlewares are appended after the default chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	// HandleSignals closes the router on SIGINT/SIGTERM.
	HandleSignals bool
}

// Stats counts dispatcher outcomes.
type Stats struct {
	Published uint64 `json:"published"`
	Rejected  uint64 `json:"rejected"`
	Rendered  uint64 `json:"rendered"`
	Failed    uint64 `json:"failed"`
	Poisoned  uint64 `json:"poisoned"`
}

// Dispatcher is the notification service: a Sink on the producing side and a
// watermill router feeding the Renderer on the consuming side.
type Dispatcher struct {
	cfg         config.NotificationsConfig
	metricsPort int
	log         logging.ServiceLogger
	wmLogger    watermill.LoggerAdapter

	tr            transport.Transport
	ownsTransport bool
	sink          *PublisherSink
	poison        message.Publisher
	router        *message.Router
	renderer      Renderer
	registerer    prometheus.Registerer
	hooks         JobHooks

	published atomic.Uint64
	rejected  atomic.Uint64
	rendered  atomic.Uint64
	failed    atomic.Uint64
	poisoned  atomic.Uint64

	httpMu      sync.Mutex
	httpServers map[int]*http.ServeMux

	closeOnce sync.Once
}

// NewDispatcher builds the transport, router and middleware chain. Call Run
// to start consuming.
func NewDispatcher(ctx context.Context, cfg config.Config, log logging.ServiceLogger, deps Dependencies) (*Dispatcher, error) {
	if deps.Renderer == nil {
		return nil, errspkg.ErrRendererRequired
	}
	if cfg.Notifications.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	log = logging.Component(log, "notify")
	wmLogger := logging.NewWatermillAdapter(log)

	d := &Dispatcher{
		cfg:         cfg.Notifications,
		log:         log,
		wmLogger:    wmLogger,
		renderer:    deps.Renderer,
		registerer:  deps.Registerer,
		hooks:       deps.Hooks,
		httpServers: make(map[int]*http.ServeMux),
	}
	if cfg.Metrics.Enabled {
		d.metricsPort = cfg.Metrics.Port
	}

	if deps.Transport != nil {
		d.tr = *deps.Transport
	} else {
		registry := deps.Registry
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		tr, err := registry.Build(ctx, &cfg.Transport, wmLogger)
		if err != nil {
			return nil, err
		}
		d.tr = tr
		d.ownsTransport = true
	}
	if d.tr.Publisher == nil {
		return nil, d.abort(errspkg.ErrPublisherRequired)
	}
	if d.tr.Subscriber == nil {
		return nil, d.abort(errspkg.ErrSubscriberRequired)
	}

	sink, err := NewPublisherSink(d.tr.Publisher, d.cfg.Topic, d.tr.Capabilities)
	if err != nil {
		return nil, d.abort(err)
	}
	d.sink = sink
	d.poison = &countingPublisher{Publisher: d.tr.Publisher, count: &d.poisoned}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, wmLogger)
	if err != nil {
		return nil, d.abort(err)
	}
	d.router = router
	if deps.HandleSignals {
		router.AddPlugin(plugin.SignalsHandler)
	}

	var regs []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		regs = append(regs, DefaultMiddlewares()...)
	}
	regs = append(regs, deps.Middlewares...)
	for _, reg := range regs {
		if err := d.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return nil, d.abort(fmt.Errorf("register middleware %s: %w", name, err))
		}
	}

	router.AddNoPublisherHandler(handlerName, d.cfg.Topic, d.tr.Subscriber, d.handle)

	if d.registerer != nil && d.metricsPort > 0 {
		d.RegisterHTTPHandler(d.metricsPort, "/metrics", metricsHandler(d.registerer))
	}

	log.Info("Notification dispatcher created", logging.LogFields{
		"transport":    d.tr.Capabilities.Name,
		"topic":        d.cfg.Topic,
		"poison_queue": d.cfg.PoisonQueue,
	})
	return d, nil
}

func (d *Dispatcher) abort(err error) error {
	if d.ownsTransport {
		err = errors.Join(err, d.tr.Close())
	}
	return err
}

func metricsHandler(reg prometheus.Registerer) http.Handler {
	if g, ok := reg.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (d *Dispatcher) handle(msg *message.Message) error {
	n, err := Decode(msg)
	if err != nil {
		return &UnprocessableNotificationError{Payload: string(msg.Payload), Err: err}
	}
	if err := n.Validate(); err != nil {
		return &UnprocessableNotificationError{Payload: string(msg.Payload), Err: err}
	}
	if err := d.renderer.Render(msg.Context(), n); err != nil {
		d.failed.Add(1)
		return err
	}
	d.rendered.Add(1)
	return nil
}

// Notify publishes n for delivery. It returns once the transport accepted
// the message, not once it was rendered.
func (d *Dispatcher) Notify(ctx context.Context, n DemoNotification) error {
	if err := d.sink.Notify(ctx, n); err != nil {
		d.rejected.Add(1)
		return err
	}
	d.published.Add(1)
	return nil
}

// Run serves registered HTTP handlers and runs the router until ctx is
// cancelled or Close is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	servers := d.startHTTPServers()
	defer func() {
		for _, srv := range servers {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
		}
	}()
	return d.router.Run(ctx)
}

// Running is closed once the router consumes.
func (d *Dispatcher) Running() chan struct{} {
	return d.router.Running()
}

// Close stops the router and, when the dispatcher built it, the transport.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.router.Close()
		if d.ownsTransport {
			err = errors.Join(err, d.tr.Close())
		}
	})
	return err
}

// Stats returns the outcome counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published: d.published.Load(),
		Rejected:  d.rejected.Load(),
		Rendered:  d.rendered.Load(),
		Failed:    d.failed.Load(),
		Poisoned:  d.poisoned.Load(),
	}
}

// Capabilities of the transport in use.
func (d *Dispatcher) Capabilities() transport.Capabilities {
	return d.tr.Capabilities
}

// RegisterHTTPHandler mounts handler on port. Servers start with Run.
func (d *Dispatcher) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	d.httpMu.Lock()
	defer d.httpMu.Unlock()
	mux, ok := d.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		d.httpServers[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (d *Dispatcher) startHTTPServers() []*http.Server {
	d.httpMu.Lock()
	defer d.httpMu.Unlock()

	servers := make([]*http.Server, 0, len(d.httpServers))
	for port, mux := range d.httpServers {
		addr := net.JoinHostPort("", strconv.Itoa(port))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, srv)
		d.log.Info("Starting HTTP server", logging.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("HTTP server stopped", err, logging.LogFields{"address": addr})
			}
		}()
	}
	return servers
}

type countingPublisher struct {
	message.Publisher
	count *atomic.Uint64
}

func (p *countingPublisher) Publish(topic string, msgs ...*message.Message) error {
	if err := p.Publisher.Publish(topic, msgs...); err != nil {
		return err
	}
	p.count.Add(uint64(len(msgs)))
	return nil
}
