// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/mqttagent/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationCompleteOnce(t *testing.T) {
	calls := 0
	var gotErr error
	op := NewSubscribe([]engine.Subscription{{Filter: "a/#"}}, func(o *Operation, err error) {
		calls++
		gotErr = err
	})

	assert.True(t, op.complete(ErrTableFull, slog.Default()))
	assert.False(t, op.complete(nil, slog.Default()))

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, gotErr, ErrTableFull)
	assert.ErrorIs(t, op.Err(), ErrTableFull)

	select {
	case <-op.Done():
	default:
		t.Fatal("Done should be closed after completion")
	}
}

func TestOperationNilCallback(t *testing.T) {
	op := NewPublish(engine.NewMessage("a", nil, 0, false), nil)
	op.complete(nil, slog.Default())
	assert.NoError(t, op.Wait(context.Background()))
}

func TestOperationWaitContext(t *testing.T) {
	op := NewUnsubscribe([]engine.Subscription{{Filter: "a"}}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, op.Wait(ctx), context.DeadlineExceeded)

	want := errors.New("failed")
	go op.complete(want, slog.Default())
	assert.ErrorIs(t, op.Wait(context.Background()), want)
}

func TestOperationAccessors(t *testing.T) {
	msg := engine.NewMessage("a/b", []byte("x"), 1, true)
	pub := NewPublish(msg, nil)
	assert.Equal(t, KindPublish, pub.Kind())
	assert.Same(t, msg, pub.Message())
	assert.Nil(t, pub.Subscriptions())
	assert.Zero(t, pub.PacketID())

	subs := []engine.Subscription{{Filter: "a/+", QoS: 1}}
	sub := NewSubscribe(subs, nil)
	assert.Equal(t, KindSubscribe, sub.Kind())
	require.Len(t, sub.Subscriptions(), 1)
	assert.Nil(t, sub.Message())
	assert.Nil(t, sub.Result())
}
