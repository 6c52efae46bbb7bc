// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/absmach/mqttagent/agent"
	"github.com/absmach/mqttagent/config"
	"github.com/absmach/mqttagent/engine"
	"github.com/absmach/mqttagent/health"
	"github.com/absmach/mqttagent/otel"
	"github.com/absmach/mqttagent/ratelimit"
	"github.com/absmach/mqttagent/transport"
	"go.opentelemetry.io/otel/trace"
)

// supervisor runs broker sessions back to back, reconnecting through a
// throttled dialer whenever a session fails.
type supervisor struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	scheme  string
	dialer  *transport.Dialer
	limiter *ratelimit.KeyedLimiter

	mu      sync.Mutex
	current *agent.Agent
}

func newSupervisor(cfg *config.Config, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) (*supervisor, error) {
	tcfg, err := transportConfig(cfg.Broker)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.Broker.URL)
	if err != nil {
		return nil, err
	}

	rc := transport.ReconnectConfig{
		Interval:         cfg.Reconnect.Interval,
		Burst:            cfg.Reconnect.Burst,
		FailureThreshold: cfg.Reconnect.FailureThreshold,
		ResetTimeout:     cfg.Reconnect.ResetTimeout,
	}

	limiter := ratelimit.NewKeyedLimiter(ratelimit.Limits{}, time.Minute)
	for _, p := range cfg.Producers {
		limiter.Set(p.Name, ratelimit.Limits{Rate: p.Rate, Burst: p.Burst})
	}

	return &supervisor{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		scheme:  u.Scheme,
		dialer:  transport.NewDialer(tcfg, rc, logger),
		limiter: limiter,
	}, nil
}

func (s *supervisor) run(ctx context.Context) error {
	defer s.limiter.Stop()

	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !s.cfg.Reconnect.Enabled {
			return err
		}
		s.logger.Warn("broker session ended, reconnecting",
			slog.String("error", errString(err)),
			slog.String("breaker", s.dialer.State().String()))
	}
}

// session connects, runs one agent until ctx is done or the agent fails,
// and tears everything down.
func (s *supervisor) session(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	eng, err := engine.New(conn, s.engineOptions())
	if err != nil {
		conn.Close()
		return err
	}
	sessionPresent, err := eng.Connect()
	if err != nil {
		eng.Disconnect()
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordConnection(s.scheme)
	}
	s.logger.Info("Connected to broker",
		slog.String("broker", s.cfg.Broker.URL),
		slog.Bool("session_present", sessionPresent))

	ag, err := agent.New(eng, s.agentOptions())
	if err != nil {
		eng.Disconnect()
		return err
	}

	s.setCurrent(ag)
	defer s.setCurrent(nil)

	s.subscribe(ag)

	pctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, pc := range s.cfg.Producers {
		p := newProducer(pc, ag, s.limiter, s.cfg.Agent.EnqueueTimeout, s.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.run(pctx)
		}()
	}

	reason := "shutdown"
	select {
	case <-ctx.Done():
	case <-ag.Done():
		// The worker has exited, so the engine is no longer in use.
		reason = failureReason(eng)
	}

	cancel()
	wg.Wait()

	stopErr := ag.Stop()
	if err := eng.Disconnect(); err != nil {
		s.logger.Debug("transport close failed", slog.String("error", err.Error()))
	}
	if s.metrics != nil {
		s.metrics.RecordDisconnection(reason)
	}
	s.logger.Info("Disconnected from broker", slog.String("reason", reason))

	return stopErr
}

func (s *supervisor) setCurrent(ag *agent.Agent) {
	s.mu.Lock()
	s.current = ag
	s.mu.Unlock()
}

// Status reports the running session, if any.
func (s *supervisor) Status() health.Status {
	s.mu.Lock()
	ag := s.current
	s.mu.Unlock()

	st := health.Status{
		State:   "disconnected",
		Breaker: s.dialer.State().String(),
	}
	if ag == nil {
		return st
	}
	st.Connected = ag.Running()
	st.State = ag.State().String()
	st.Pending = ag.Pending()
	st.Queued = ag.Queued()
	return st
}

func (s *supervisor) subscribe(ag *agent.Agent) {
	if len(s.cfg.Subscriptions) == 0 {
		return
	}

	subs := make([]engine.Subscription, 0, len(s.cfg.Subscriptions))
	for _, sc := range s.cfg.Subscriptions {
		subs = append(subs, engine.Subscription{Filter: sc.Filter, QoS: sc.QoS})
	}

	op := agent.NewSubscribe(subs, func(op *agent.Operation, err error) {
		if err != nil {
			s.logger.Error("Subscribe failed",
				slog.String("error", err.Error()),
				slog.Any("return_codes", op.Result()))
			return
		}
		s.logger.Info("Subscribed",
			slog.Int("filters", len(op.Subscriptions())),
			slog.Int("packet_id", int(op.PacketID())))
	})
	if err := ag.Enqueue(op, agent.WaitForever); err != nil {
		s.logger.Error("Failed to queue subscribe", slog.String("error", err.Error()))
	}
}

func (s *supervisor) engineOptions() *engine.Options {
	b := s.cfg.Broker
	return engine.NewOptions().
		SetClientID(b.ClientID).
		SetCredentials(b.Username, b.Password).
		SetCleanSession(b.CleanSession).
		SetKeepAlive(b.KeepAlive).
		SetConnectTimeout(b.ConnectTimeout).
		SetOnMessage(s.onMessage).
		SetLogger(s.logger)
}

func (s *supervisor) agentOptions() *agent.Options {
	a := s.cfg.Agent
	opts := agent.NewOptions().
		SetQueueSize(a.QueueSize).
		SetPollInterval(a.PollInterval).
		SetDequeueWait(a.DequeueWait).
		SetAckTimeout(a.AckTimeout).
		SetLogger(s.logger).
		SetTracer(s.tracer)
	if s.metrics != nil {
		opts.SetMetrics(s.metrics)
	}
	return opts
}

func (s *supervisor) onMessage(msg *engine.Message) {
	s.logger.Info("Message received",
		slog.String("topic", msg.Topic),
		slog.Int("qos", int(msg.QoS)),
		slog.Int("size", len(msg.Payload)),
		slog.Bool("retain", msg.Retain))
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(msg.QoS, int64(len(msg.Payload)))
	}
}

func transportConfig(b config.BrokerConfig) (transport.Config, error) {
	cfg := transport.Config{
		URL:         b.URL,
		DialTimeout: b.ConnectTimeout,
		ProxyURL:    b.Proxy,
	}

	files := transport.TLSFiles{
		CAFile:             b.TLS.CAFile,
		CertFile:           b.TLS.CertFile,
		KeyFile:            b.TLS.KeyFile,
		ServerName:         b.TLS.ServerName,
		InsecureSkipVerify: b.TLS.InsecureSkipVerify,
	}
	if files.Enabled() {
		tlsCfg, err := transport.LoadTLSConfig(files)
		if err != nil {
			return transport.Config{}, err
		}
		cfg.TLS = tlsCfg
	}

	return cfg, nil
}

// failureReason labels a session that ended because its worker failed.
func failureReason(eng interface{ IsConnected() bool }) string {
	if eng.IsConnected() {
		return "protocol_error"
	}
	return "connection_lost"
}

func errString(err error) string {
	if err == nil {
		return "none"
	}
	return err.Error()
}
