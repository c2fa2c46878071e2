package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultTimeout bounds a single admission lookup.
const DefaultTimeout = 10 * time.Second

// GateConfig configures a Gate.
type GateConfig struct {
	// Limit is the maximum number of concurrent deliveries per user.
	// Zero disables the gate.
	Limit           int
	Service         string
	KeyPrefix       string
	Timeout         time.Duration
	BreakerFailures uint32
}

// Verdict is the outcome of an admission query.
type Verdict struct {
	Count   int64
	Allowed bool
	// Err is set when the lookup failed; the verdict then allows delivery.
	Err error
}

// Query is a single asynchronous admission lookup.
type Query struct {
	done   chan Verdict
	cancel context.CancelFunc
}

// Done yields exactly one Verdict.
func (q *Query) Done() <-chan Verdict {
	return q.done
}

// Cancel abandons the lookup. A verdict that arrives afterwards is dropped.
func (q *Query) Cancel() {
	q.cancel()
}

// Gate enforces the per-user concurrent delivery limit.
type Gate struct {
	counter Counter
	config  GateConfig
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu        sync.Mutex
	connected bool
}

// NewGate creates a gate over counter.
func NewGate(counter Counter, cfg GateConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Service == "" {
		cfg.Service = "lmtp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	logger = logger.With("component", "admission", "backend", counter.Type())

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "admission-" + counter.Type(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Gate{
		counter: counter,
		config:  cfg,
		breaker: breaker,
		logger:  logger,
	}
}

// Enabled reports whether a limit is configured.
func (g *Gate) Enabled() bool {
	return g != nil && g.config.Limit > 0
}

// Limit returns the configured per-user limit.
func (g *Gate) Limit() int {
	return g.config.Limit
}

// Key returns the counter key for username.
func (g *Gate) Key(username string) string {
	return fmt.Sprintf("%s%s/%s", g.config.KeyPrefix, g.config.Service, username)
}

// Warmup connects to the counter backend if that has not happened yet.
func (g *Gate) Warmup(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected {
		return nil
	}
	if err := g.counter.Connect(ctx); err != nil {
		g.logger.Warn("Failed to connect admission counter", "error", err)
		return err
	}
	g.connected = true
	g.logger.Debug("Admission counter connected")
	return nil
}

func (g *Gate) execute(fn func() (int64, error)) (int64, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Query starts an asynchronous lookup of username's in-flight deliveries.
// Lookup failures produce an allowing verdict.
func (g *Gate) Query(ctx context.Context, username string) *Query {
	qctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	q := &Query{done: make(chan Verdict, 1), cancel: cancel}

	go func() {
		defer cancel()
		verdict := Verdict{Allowed: true}

		if err := g.Warmup(qctx); err != nil {
			verdict.Err = err
		} else {
			key := g.Key(username)
			count, err := g.execute(func() (int64, error) {
				return g.counter.Count(qctx, key)
			})
			verdict.Count = count
			verdict.Err = err
		}

		switch {
		case verdict.Err != nil:
			g.logger.Warn("Admission lookup failed, allowing delivery",
				"username", username,
				"error", verdict.Err,
			)
			verdict.Count = 0
		case verdict.Count >= int64(g.config.Limit):
			verdict.Allowed = false
			g.logger.Info("Concurrent delivery limit reached",
				"username", username,
				"count", verdict.Count,
				"limit", g.config.Limit,
			)
		}
		q.done <- verdict
	}()
	return q
}

// Acquire records an in-flight delivery for username. The returned func
// releases it and may be called more than once.
func (g *Gate) Acquire(ctx context.Context, username string) func() {
	if !g.Enabled() {
		return func() {}
	}
	key := g.Key(username)
	if err := g.Warmup(ctx); err != nil {
		return func() {}
	}
	if _, err := g.execute(func() (int64, error) { return g.counter.Incr(ctx, key) }); err != nil {
		g.logger.Warn("Failed to record delivery", "username", username, "error", err)
		return func() {}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), g.config.Timeout)
			defer cancel()
			if _, err := g.execute(func() (int64, error) { return g.counter.Decr(rctx, key) }); err != nil {
				g.logger.Warn("Failed to release delivery", "username", username, "error", err)
			}
		})
	}
}

// Close closes the counter backend.
func (g *Gate) Close() error {
	if g == nil {
		return nil
	}
	return g.counter.Close()
}
