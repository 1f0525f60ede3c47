package apiclient

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"forgelink/webshell/internal/observability"
)

// BreakerConfig tunes the breaker shared by every tab client. It trips on
// transport failures and 5xx answers; 4xx answers count as successes.
type BreakerConfig struct {
	Name         string
	FailureRatio float64
	MinRequests  uint32
	OpenTimeout  time.Duration
	Interval     time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:         "forgelink-api",
		FailureRatio: 0.5,
		MinRequests:  5,
		OpenTimeout:  30 * time.Second,
		Interval:     60 * time.Second,
	}
}

type Breaker struct {
	cb *gobreaker.CircuitBreaker[*Response]
}

func NewBreaker(cfg BreakerConfig, logger *slog.Logger, metrics *observability.Metrics) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("api circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if metrics != nil {
				metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
			}
		},
	}
	if metrics != nil {
		metrics.BreakerState.WithLabelValues(cfg.Name).Set(0)
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[*Response](settings)}
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) execute(fn func() (*Response, error)) (*Response, error) {
	if b == nil {
		return fn()
	}
	return b.cb.Execute(fn)
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
