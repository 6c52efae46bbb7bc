// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ReconnectConfig throttles repeated connection attempts.
type ReconnectConfig struct {
	// Interval is the minimum spacing between attempts.
	Interval time.Duration
	// Burst is the number of attempts allowed back to back.
	Burst int
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe attempt.
	ResetTimeout time.Duration
}

// DefaultReconnectConfig returns conservative reconnect settings.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Interval:         time.Second,
		Burst:            1,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Dialer dials the broker behind a rate limiter and a circuit breaker, so a
// supervisor can retry in a loop without hammering an unreachable broker.
type Dialer struct {
	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	dial    func(context.Context, Config) (net.Conn, error)
}

// NewDialer creates a Dialer for cfg. Non-positive Burst, FailureThreshold
// and ResetTimeout take their DefaultReconnectConfig values; a zero Interval
// leaves attempts unthrottled.
func NewDialer(cfg Config, rc ReconnectConfig, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultReconnectConfig()
	if rc.Burst < 1 {
		rc.Burst = def.Burst
	}
	if rc.FailureThreshold < 1 {
		rc.FailureThreshold = def.FailureThreshold
	}
	if rc.ResetTimeout <= 0 {
		rc.ResetTimeout = def.ResetTimeout
	}

	limit := rate.Inf
	if rc.Interval > 0 {
		limit = rate.Every(rc.Interval)
	}

	return &Dialer{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, rc.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.URL,
			MaxRequests: 1,
			Timeout:     rc.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(rc.FailureThreshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("broker circuit breaker state changed",
					slog.String("broker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
		logger: logger,
		dial:   Dial,
	}
}

// Dial waits for the rate limiter and then dials through the circuit
// breaker. While the circuit is open it fails fast with gobreaker.ErrOpenState.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := d.breaker.Execute(func() (interface{}, error) {
		return d.dial(ctx, d.cfg)
	})
	if err != nil {
		d.logger.Debug("broker dial failed",
			slog.String("broker", d.cfg.URL),
			slog.String("error", err.Error()))
		return nil, err
	}

	return res.(net.Conn), nil
}

// State returns the circuit breaker state.
func (d *Dialer) State() gobreaker.State {
	return d.breaker.State()
}
