// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/mqttagent/agent"
	"github.com/absmach/mqttagent/config"
	"github.com/absmach/mqttagent/engine"
	"github.com/absmach/mqttagent/ratelimit"
)

// enqueuer is the part of the agent producers use.
type enqueuer interface {
	Enqueue(op *agent.Operation, timeout time.Duration) error
}

// producer publishes a templated payload on a fixed interval. The payload
// may reference {{seq}}, {{ts}} and {{name}}.
type producer struct {
	cfg     config.ProducerConfig
	agent   enqueuer
	limiter *ratelimit.KeyedLimiter
	timeout time.Duration
	logger  *slog.Logger
	seq     uint64
}

func newProducer(cfg config.ProducerConfig, ag enqueuer, limiter *ratelimit.KeyedLimiter, timeout time.Duration, logger *slog.Logger) *producer {
	return &producer{
		cfg:     cfg,
		agent:   ag,
		limiter: limiter,
		timeout: timeout,
		logger:  logger.With(slog.String("producer", cfg.Name)),
	}
}

func (p *producer) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.publish(ctx)
			if errors.Is(err, agent.ErrAgentStopped) || ctx.Err() != nil {
				return
			}
		}
	}
}

func (p *producer) publish(ctx context.Context) error {
	switch {
	case p.cfg.Pace:
		if err := p.limiter.Wait(ctx, p.cfg.Name); err != nil {
			return err
		}
	case !p.limiter.Allow(p.cfg.Name):
		p.logger.Debug("publish skipped by rate limit")
		return nil
	}

	p.seq++
	msg := engine.NewMessage(p.cfg.Topic, p.payload(p.seq, time.Now()), p.cfg.QoS, p.cfg.Retain)
	op := agent.NewPublish(msg, func(op *agent.Operation, err error) {
		if err != nil {
			p.logger.Warn("publish failed",
				slog.String("topic", op.Message().Topic),
				slog.String("error", err.Error()))
			return
		}
		p.logger.Debug("publish completed",
			slog.String("topic", op.Message().Topic),
			slog.Int("packet_id", int(op.PacketID())))
	})

	err := p.agent.Enqueue(op, p.timeout)
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrQueueFull):
		p.logger.Warn("command queue full, dropping publish", slog.Uint64("seq", p.seq))
	default:
		p.logger.Debug("publish not queued", slog.String("error", err.Error()))
	}
	return err
}

func (p *producer) payload(seq uint64, now time.Time) []byte {
	r := strings.NewReplacer(
		"{{seq}}", strconv.FormatUint(seq, 10),
		"{{ts}}", strconv.FormatInt(now.UnixMilli(), 10),
		"{{name}}", p.cfg.Name,
	)
	return []byte(r.Replace(p.cfg.Payload))
}
