package ctrl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rendezvous/pkg/telemetry"
)

const defaultQueueSize = 1024

// EventSink receives the activity events pushed by workers. Record is
// invoked after the pushing call has been answered and must not assume it
// runs on any particular goroutine.
type EventSink interface {
	Record(event []byte)
}

// EventSinkFunc adapts a function to an [EventSink].
type EventSinkFunc func(event []byte)

func (fn EventSinkFunc) Record(event []byte) {
	fn(event)
}

// LogSink records events as structured logs.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(event []byte) {
	s.Logger.Info("activity event", telemetry.LabelSize.L(len(event)), "event", event)
}

// Config of a coordination [Server].
type Config struct {
	// QueueSize is the capacity of the inbound call queue.
	QueueSize int

	// EventSink receives PushActEvent payloads. Defaults to a [LogSink].
	EventSink EventSink

	// MetricLabels to add to every metrics emitted by the server.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Server is the coordination service. It accepts calls from any goroutine
// and processes them one at a time on its dispatch goroutine.
type Server struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink
	sink   EventSink

	reg   *Registry
	calls chan *call

	sideEffects sync.WaitGroup
	closeOnce   sync.Once
	closeCh     chan struct{}
	wg          sync.WaitGroup
}

var _ Caller = (*Server)(nil)

// NewServer creates a [Server] and starts its dispatch goroutine.
func NewServer(cfg *Config) *Server {
	s := &Server{
		cfg:     *cfg,
		reg:     NewRegistry(),
		closeCh: make(chan struct{}),
	}

	if cfg.LogHandler == nil {
		s.logger = slog.Default()
	} else {
		s.logger = slog.New(cfg.LogHandler)
	}
	s.logger = s.logger.With("component", "ctrl")

	if cfg.MetricSink == nil {
		s.msink = metrics.Default()
	} else {
		s.msink = cfg.MetricSink
	}

	if cfg.EventSink == nil {
		s.sink = LogSink{Logger: s.logger}
	} else {
		s.sink = cfg.EventSink
	}

	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	s.calls = make(chan *call, size)

	s.wg.Add(1)
	go s.serve()
	return s
}

// Call enqueues req and waits for its response. The wait is abandoned when
// ctx is done, but the call stays queued or parked on the server.
func (s *Server) Call(ctx context.Context, req *Request) (*Response, error) {
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, req.Method)
	}

	c := newCall(req)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closeCh:
		return nil, ErrServerClosed
	case s.calls <- c:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-c.reply:
		return resp, nil
	case <-s.closeCh:
		return nil, ErrServerClosed
	}
}

// Close stops the dispatch goroutine. Parked calls are never answered;
// their callers observe [ErrServerClosed].
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	s.wg.Wait()
	s.sideEffects.Wait()
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("coordination protocol violation, aborting", telemetry.LabelError.L(r))
			panic(r)
		}
	}()

	s.logger.Debug("dispatch loop started")
	for {
		var c *call
		select {
		case c = <-s.calls:
		case <-s.closeCh:
			s.logger.Debug("dispatch loop stopped", "parked", s.reg.parked())
			return
		}
		s.dispatch(c)
	}
}

// dispatch processes one call. It must only run on the dispatch goroutine.
func (s *Server) dispatch(c *call) {
	method := c.req.Method
	mLabels := telemetry.With(s.cfg.MetricLabels, telemetry.LabelMethod.M(method.String()))
	s.msink.IncrCounterWithLabels(telemetry.MetricCtrlCallCount, 1.0, mLabels)

	if method == MethodPushActEvent {
		c.ack()
		s.recordEvent(c.req.Event)
		return
	}

	start := time.Now()
	out := s.reg.handle(c)
	if out.deferred {
		s.msink.IncrCounterWithLabels(telemetry.MetricCtrlDeferredCount, 1.0, mLabels)
		s.logger.Debug("call deferred", telemetry.LabelMethod.L(method.String()), telemetry.LabelName.L(callName(c.req)))
	}
	if out.released > 0 {
		s.msink.IncrCounterWithLabels(telemetry.MetricCtrlReleasedCount, float32(out.released), mLabels)
		s.logger.Debug(
			"released parked calls",
			telemetry.LabelMethod.L(method.String()),
			telemetry.LabelName.L(callName(c.req)),
			"released", out.released,
			telemetry.LabelDuration.L(time.Since(start)),
		)
	}
	if out.deferred || out.released > 0 {
		s.msink.SetGaugeWithLabels(telemetry.MetricCtrlParkedCalls, float32(s.reg.parked()), s.cfg.MetricLabels)
	}
}

func (s *Server) recordEvent(event []byte) {
	s.sideEffects.Add(1)
	go func() {
		defer s.sideEffects.Done()
		s.sink.Record(event)
		s.msink.IncrCounterWithLabels(telemetry.MetricCtrlEventCount, 1.0, s.cfg.MetricLabels)
	}()
}

func callName(req *Request) string {
	if req.Name != "" {
		return req.Name
	}
	return req.Key
}
