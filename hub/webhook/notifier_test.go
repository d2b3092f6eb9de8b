// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxhub/config"
	"github.com/absmach/fluxhub/hub/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu       sync.Mutex
	calls    atomic.Int32
	fail     atomic.Int32 // fail this many calls before succeeding
	payloads [][]byte
	urls     []string
}

func (m *mockSender) Send(_ context.Context, url string, _ map[string]string, payload []byte, _ time.Duration) error {
	m.calls.Add(1)
	if m.fail.Load() > 0 {
		m.fail.Add(-1)
		return errors.New("send failed")
	}
	m.mu.Lock()
	m.urls = append(m.urls, url)
	m.payloads = append(m.payloads, payload)
	m.mu.Unlock()
	return nil
}

func (m *mockSender) delivered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		QueueSize:       100,
		DropPolicy:      "oldest",
		Workers:         2,
		ShutdownTimeout: time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 5 * time.Millisecond,
				MaxInterval:     20 * time.Millisecond,
				Multiplier:      2,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 10,
				ResetTimeout:     time.Second,
			},
		},
		Endpoints: endpoints,
	}
}

func TestNewNotifierRequiresSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "hub-1", nil, nil)
	assert.Error(t, err)
}

func TestNotifyDelivers(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "all", URL: "http://hooks/all"}), "hub-1", sender, nil)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.CommandQueued{Address: "edge-1", Command: "Hello", Sequence: 7}))

	require.Eventually(t, func() bool { return sender.delivered() == 1 }, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, "http://hooks/all", sender.urls[0])

	var env struct {
		EventType string         `json:"event_type"`
		HubID     string         `json:"hub_id"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(sender.payloads[0], &env))
	assert.Equal(t, events.TypeCommandQueued, env.EventType)
	assert.Equal(t, "hub-1", env.HubID)
	assert.Equal(t, "edge-1", env.Data["target"])
}

func TestNotifyFilters(t *testing.T) {
	cases := []struct {
		desc     string
		endpoint config.WebhookEndpoint
		event    events.Event
		want     bool
	}{
		{
			desc:     "no filters",
			endpoint: config.WebhookEndpoint{Name: "a", URL: "http://a"},
			event:    events.CommandReceived{Instance: "edge-1"},
			want:     true,
		},
		{
			desc:     "event type match",
			endpoint: config.WebhookEndpoint{Name: "a", URL: "http://a", Events: []string{events.TypeCommandReceived}},
			event:    events.CommandReceived{Instance: "edge-1"},
			want:     true,
		},
		{
			desc:     "event type mismatch",
			endpoint: config.WebhookEndpoint{Name: "a", URL: "http://a", Events: []string{events.TypeSubscriberConnected}},
			event:    events.CommandReceived{Instance: "edge-1"},
			want:     false,
		},
		{
			desc:     "target glob match",
			endpoint: config.WebhookEndpoint{Name: "a", URL: "http://a", TargetFilters: []string{"edge-*"}},
			event:    events.SubscriberConnected{Instance: "edge-1"},
			want:     true,
		},
		{
			desc:     "group target glob",
			endpoint: config.WebhookEndpoint{Name: "a", URL: "http://a", TargetFilters: []string{"group:*"}},
			event:    events.CommandQueued{Address: "group:eu"},
			want:     true,
		},
		{
			desc:     "target glob mismatch",
			endpoint: config.WebhookEndpoint{Name: "a", URL: "http://a", TargetFilters: []string{"edge-*"}},
			event:    events.SubscriberConnected{Instance: "core-1"},
			want:     false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			n, err := NewNotifier(testConfig(tc.endpoint), "hub-1", &mockSender{}, nil)
			require.NoError(t, err)
			defer n.Close()
			assert.Equal(t, tc.want, shouldNotify(n.endpoints[0], tc.event))
		})
	}
}

func TestNotifyRetries(t *testing.T) {
	sender := &mockSender{}
	sender.fail.Store(2)

	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"}), "hub-1", sender, nil)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.CommandReceived{Instance: "edge-1"}))

	require.Eventually(t, func() bool { return sender.delivered() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), sender.calls.Load())
}

func TestNotifyGivesUp(t *testing.T) {
	sender := &mockSender{}
	sender.fail.Store(100)

	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"}), "hub-1", sender, nil)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.CommandReceived{Instance: "edge-1"}))

	require.Eventually(t, func() bool { return sender.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), sender.calls.Load())
	assert.Zero(t, sender.delivered())
}

func TestNotifyRejectsNilAndClosed(t *testing.T) {
	n, err := NewNotifier(testConfig(), "hub-1", &mockSender{}, nil)
	require.NoError(t, err)

	assert.Error(t, n.Notify(context.Background(), nil))

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.Error(t, n.Notify(context.Background(), events.CommandReceived{}))
}

func TestEnqueueDropPolicy(t *testing.T) {
	for _, policy := range []string{"oldest", "newest"} {
		t.Run(policy, func(t *testing.T) {
			cfg := testConfig()
			cfg.QueueSize = 1
			cfg.DropPolicy = policy
			// Built without workers so the queue cannot drain.
			n := &GenericNotifier{cfg: cfg, eventQueue: make(chan eventJob, 1), logger: discardLogger()}

			ep := endpointConfig{name: "a"}
			n.enqueue(eventJob{event: events.CommandReceived{Instance: "first"}, endpoint: ep})
			n.enqueue(eventJob{event: events.CommandReceived{Instance: "second"}, endpoint: ep})

			assert.Equal(t, uint64(1), n.Dropped())
			job := <-n.eventQueue
			want := "first"
			if policy == "oldest" {
				want = "second"
			}
			assert.Equal(t, want, job.event.Target())
		})
	}
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Multiplier:      2,
	}
	assert.Equal(t, 10*time.Millisecond, retryDelay(0, cfg))
	assert.Equal(t, 20*time.Millisecond, retryDelay(1, cfg))
	assert.Equal(t, 40*time.Millisecond, retryDelay(2, cfg))
	assert.Equal(t, 50*time.Millisecond, retryDelay(3, cfg))
}
