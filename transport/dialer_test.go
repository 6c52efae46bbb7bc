// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialerOpensCircuit(t *testing.T) {
	d := NewDialer(Config{URL: "tcp://broker:1883"}, ReconnectConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	}, nil)

	refused := errors.New("connection refused")
	calls := 0
	d.dial = func(context.Context, Config) (net.Conn, error) {
		calls++
		return nil, refused
	}

	for i := 0; i < 2; i++ {
		_, err := d.Dial(context.Background())
		assert.ErrorIs(t, err, refused)
	}
	assert.Equal(t, gobreaker.StateOpen, d.State())

	_, err := d.Dial(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, calls)
}

func TestDialerDefaults(t *testing.T) {
	d := NewDialer(Config{URL: "tcp://broker:1883"}, ReconnectConfig{}, nil)

	refused := errors.New("connection refused")
	d.dial = func(context.Context, Config) (net.Conn, error) {
		return nil, refused
	}

	threshold := DefaultReconnectConfig().FailureThreshold
	for n := threshold - 1; n > 0; n-- {
		_, err := d.Dial(context.Background())
		assert.ErrorIs(t, err, refused)
	}
	assert.Equal(t, gobreaker.StateClosed, d.State())

	_, err := d.Dial(context.Background())
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, gobreaker.StateOpen, d.State())
}

func TestDialerHalfOpenProbe(t *testing.T) {
	d := NewDialer(Config{URL: "tcp://broker:1883"}, ReconnectConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
	}, nil)

	client, server := net.Pipe()
	defer server.Close()

	fail := true
	d.dial = func(context.Context, Config) (net.Conn, error) {
		if fail {
			return nil, errors.New("down")
		}
		return client, nil
	}

	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, d.State())

	fail = false
	time.Sleep(20 * time.Millisecond)

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	assert.Same(t, client, conn)
	assert.Equal(t, gobreaker.StateClosed, d.State())
	conn.Close()
}

func TestDialerRateLimit(t *testing.T) {
	d := NewDialer(Config{URL: "tcp://broker:1883"}, ReconnectConfig{
		Interval:         50 * time.Millisecond,
		Burst:            1,
		FailureThreshold: 100,
	}, nil)
	d.dial = func(context.Context, Config) (net.Conn, error) {
		return nil, errors.New("down")
	}

	start := time.Now()
	d.Dial(context.Background())
	d.Dial(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Dial(ctx)
	assert.Error(t, err)
}

func TestLoadTLSConfig(t *testing.T) {
	certs := generateTestCerts(t)

	cfg, err := LoadTLSConfig(TLSFiles{CAFile: certs.CAFile, ServerName: "localhost"})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Equal(t, "localhost", cfg.ServerName)
	assert.Empty(t, cfg.Certificates)

	_, err = LoadTLSConfig(TLSFiles{CertFile: certs.ClientCertFile})
	assert.ErrorIs(t, err, ErrInvalidTLSConfig)

	_, err = LoadTLSConfig(TLSFiles{CAFile: certs.ClientKeyFile})
	assert.ErrorIs(t, err, ErrInvalidTLSConfig)

	_, err = LoadTLSConfig(TLSFiles{CAFile: "/nonexistent/ca.crt"})
	assert.Error(t, err)

	assert.False(t, TLSFiles{}.Enabled())
	assert.True(t, TLSFiles{InsecureSkipVerify: true}.Enabled())
}
