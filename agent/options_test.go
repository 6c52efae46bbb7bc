// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()

	assert.Equal(t, DefaultQueueSize, opts.QueueSize)
	assert.Equal(t, DefaultPollInterval, opts.PollInterval)
	assert.Equal(t, DefaultDequeueWait, opts.DequeueWait)
	assert.Zero(t, opts.AckTimeout)
	assert.NoError(t, opts.Validate())
}

func TestOptionsValidate(t *testing.T) {
	cases := []struct {
		name string
		opts *Options
		ok   bool
	}{
		{"zero queue", NewOptions().SetQueueSize(0), false},
		{"single slot", NewOptions().SetQueueSize(1), true},
		{"zero poll interval", NewOptions().SetPollInterval(0), false},
		{"negative dequeue wait", NewOptions().SetDequeueWait(-time.Millisecond), false},
		{"no dequeue wait", NewOptions().SetDequeueWait(0), true},
		{"negative ack timeout", NewOptions().SetAckTimeout(-time.Second), false},
		{"ack timeout", NewOptions().SetAckTimeout(time.Second), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidOption)
		})
	}
}
