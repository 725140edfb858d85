package providers

import (
	"context"
	"errors"
	"time"

	"wedding-dispatch/internal/models"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardConfig configures the rate limiter and circuit breaker placed in front
// of a provider.
type GuardConfig struct {
	// RatePerSecond caps sends per second; zero disables limiting.
	RatePerSecond float64
	Burst         int
	// BreakerFailures is the number of consecutive transient failures that
	// open the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
}

var errTransientResult = errors.New("transient provider failure")

// Guarded wraps a provider with a rate limiter and a circuit breaker. Only
// TRANSIENT results count as breaker failures; while the breaker is open
// sends fail TRANSIENT without reaching the vendor.
type Guarded struct {
	inner   Provider
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// guardedBatch is a Guarded whose inner provider batches.
type guardedBatch struct {
	*Guarded
	batch BatchSender
}

// Guard wraps p. The returned provider implements BatchSender when p does.
func Guard(p Provider, cfg GuardConfig, log zerolog.Logger) Provider {
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	g := &Guarded{inner: p}
	if cfg.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}

	logger := log.With().Str("component", "provider-guard").Str("channel", string(p.Channel())).Logger()
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(p.Channel()),
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})

	if b, ok := p.(BatchSender); ok {
		return &guardedBatch{Guarded: g, batch: b}
	}
	return g
}

func (g *Guarded) Channel() models.Channel { return g.inner.Channel() }

func (g *Guarded) TestConnection(ctx context.Context) ConnectionInfo {
	return g.inner.TestConnection(ctx)
}

// State reports the breaker state.
func (g *Guarded) State() gobreaker.State { return g.breaker.State() }

func (g *Guarded) Send(ctx context.Context, msg Message) Result {
	if err := g.wait(ctx, 1); err != nil {
		return Failure(models.KindTransient, "", err.Error())
	}
	out, err := g.breaker.Execute(func() (interface{}, error) {
		res := g.inner.Send(ctx, msg)
		if !res.Success && res.ErrorKind == models.KindTransient {
			return res, errTransientResult
		}
		return res, nil
	})
	return g.outcome(out, err)
}

func (g *guardedBatch) SendBatch(ctx context.Context, msgs []Message) []Result {
	results := make([]Result, len(msgs))
	if err := g.wait(ctx, len(msgs)); err != nil {
		for i := range results {
			results[i] = Failure(models.KindTransient, "", err.Error())
		}
		return results
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		res := g.batch.SendBatch(ctx, msgs)
		for _, r := range res {
			if r.Success || r.ErrorKind != models.KindTransient {
				return res, nil
			}
		}
		// Every message failed transiently.
		return res, errTransientResult
	})
	if res, ok := out.([]Result); ok {
		return res
	}
	failed := g.outcome(nil, err)
	for i := range results {
		results[i] = failed
	}
	return results
}

func (g *Guarded) wait(ctx context.Context, n int) error {
	if g.limiter == nil {
		return nil
	}
	if n > g.limiter.Burst() {
		n = g.limiter.Burst()
	}
	return g.limiter.WaitN(ctx, n)
}

func (g *Guarded) outcome(out interface{}, err error) Result {
	if res, ok := out.(Result); ok {
		return res
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Failure(models.KindTransient, "CIRCUIT_OPEN", "provider circuit breaker is open")
	}
	return Failure(models.KindInternal, "", err.Error())
}
