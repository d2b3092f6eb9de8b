// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxhub/clock"
	"github.com/absmach/fluxhub/compat"
	"github.com/absmach/fluxhub/config"
	"github.com/absmach/fluxhub/hub/events"
	"github.com/absmach/fluxhub/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineBuffer struct {
	mu    sync.Mutex
	lines []string
	fail  error
}

func (b *lineBuffer) WriteLine(line []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.lines = append(b.lines, string(line))
	return nil
}

func (b *lineBuffer) Flush() error { return nil }

func (b *lineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev events.Event) error {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) Types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type())
	}
	return out
}

func testHubConfig() config.HubConfig {
	return config.HubConfig{
		ID:                "hub-test",
		QueueCapacity:     16,
		HeartbeatInterval: time.Hour,
		PollInterval:      time.Millisecond,
		DefaultGroup:      "default",
	}
}

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clock.NewFake(time.Unix(1000, 0))
	}
	h := New(testHubConfig(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h
}

// subscribe starts a stream and waits for its ready line.
func subscribe(t *testing.T, h *Hub, instance string, version protocol.Version) (*lineBuffer, context.CancelFunc, chan error) {
	t.Helper()

	out := &lineBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.Subscribe(ctx, SubscribeRequest{Instance: instance, Version: version, Transport: "test"}, out)
	}()
	require.Eventually(t, func() bool { return len(out.Lines()) > 0 }, time.Second, time.Millisecond)
	return out, cancel, done
}

func TestQueueFansOut(t *testing.T) {
	h := newTestHub(t, Options{})

	edge1, cancel1, _ := subscribe(t, h, "edge-1", protocol.V2)
	defer cancel1()
	edge2, cancel2, _ := subscribe(t, h, "edge-2,eu", protocol.V3)
	defer cancel2()

	_, err := h.Queue(context.Background(), "edge-1", protocol.HandshakeIdent{ID: "one"})
	require.NoError(t, err)
	_, err = h.Queue(context.Background(), "group:eu", protocol.HandshakeIdent{ID: "eu"})
	require.NoError(t, err)
	_, err = h.Queue(context.Background(), "*", protocol.Hello{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(edge1.Lines()) == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(edge2.Lines()) == 3 }, time.Second, time.Millisecond)

	assert.Equal(t, []string{
		"1\n",
		`{"_c":"HandshakeIdent","id":"one"}` + "\n",
		`{"_c":"Hello"}` + "\n",
	}, edge1.Lines())
	assert.Equal(t, []string{
		"1\n",
		`{"_c":"HandshakeIdent","id":"eu"}` + "\n",
		`{"_c":"Hello"}` + "\n",
	}, edge2.Lines())
}

func TestQueueNormalizes(t *testing.T) {
	h := newTestHub(t, Options{Normalizer: compat.New(9)})

	out, cancel, _ := subscribe(t, h, "edge-1", protocol.V2)
	defer cancel()

	_, err := h.Queue(context.Background(), "edge-1", protocol.SetRouteV1{RouteV1: protocol.RouteV1{
		ID:        3,
		Handshake: protocol.HandshakeHAProxy,
	}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(out.Lines()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t,
		`{"_c":"SetRoute","id":3,"zone":9,"priority":0,"flags":["ProxyProtocol"],"matchers":[],"endpoints":[]}`+"\n",
		out.Lines()[1])
}

func TestQueueSequenceAndErrors(t *testing.T) {
	h := newTestHub(t, Options{})

	seq, err := h.Queue(context.Background(), "edge-1", protocol.Hello{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
	seq, err = h.Queue(context.Background(), "edge-1", protocol.Hello{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	_, err = h.Queue(context.Background(), "edge-1", nil)
	assert.ErrorIs(t, err, ErrNilEnvelope)
	_, err = h.Queue(context.Background(), "", protocol.Hello{})
	assert.ErrorIs(t, err, ErrNoTarget)

	require.NoError(t, h.Close(context.Background()))
	_, err = h.Queue(context.Background(), "edge-1", protocol.Hello{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublish(t *testing.T) {
	var (
		gotEnv      protocol.Envelope
		gotInstance string
	)
	notifier := &recordingNotifier{}
	h := newTestHub(t, Options{
		Normalizer: compat.New(0),
		Notifier:   notifier,
		Receiver: ReceiverFunc(func(_ context.Context, env protocol.Envelope, instance string) error {
			gotEnv, gotInstance = env, instance
			return nil
		}),
	})

	legacy := protocol.SetRouteV1{RouteV1: protocol.RouteV1{ID: 1, Disabled: true, Handshake: protocol.HandshakeVanilla}}
	require.NoError(t, h.Publish(context.Background(), "edge-1", protocol.V1, legacy))

	assert.Equal(t, "edge-1", gotInstance)
	route, ok := gotEnv.(protocol.SetRoute)
	require.True(t, ok)
	assert.Equal(t, protocol.FlagDisabled, route.Flags)
	assert.Equal(t, []string{events.TypeCommandReceived}, notifier.Types())
}

func TestPublishErrors(t *testing.T) {
	h := newTestHub(t, Options{})
	assert.ErrorIs(t, h.Publish(context.Background(), "edge-1", protocol.V2, protocol.Hello{}), ErrNoReceiver)

	errRecv := errors.New("host rejected")
	h = newTestHub(t, Options{Receiver: ReceiverFunc(func(context.Context, protocol.Envelope, string) error {
		return errRecv
	})})
	assert.ErrorIs(t, h.Publish(context.Background(), "edge-1", protocol.V2, protocol.Hello{}), errRecv)
	assert.ErrorIs(t, h.Publish(context.Background(), "edge-1", protocol.V2, nil), ErrNilEnvelope)
}

func TestSubscribeRejectsV1(t *testing.T) {
	h := newTestHub(t, Options{})
	out := &lineBuffer{}

	err := h.Subscribe(context.Background(), SubscribeRequest{Instance: "edge-1", Version: protocol.V1}, out)
	assert.ErrorIs(t, err, protocol.ErrUnsupportedVersion)
	assert.Empty(t, out.Lines())
	assert.Zero(t, h.Stats().Subscribers)
}

func TestSubscribeLifecycle(t *testing.T) {
	notifier := &recordingNotifier{}
	h := newTestHub(t, Options{Notifier: notifier})

	_, cancel, done := subscribe(t, h, "edge-1,eu", protocol.V3)

	stats := h.Stats()
	assert.Equal(t, "hub-test", stats.ID)
	assert.Equal(t, 16, stats.Capacity)
	require.Len(t, stats.Streams, 1)
	assert.Equal(t, "edge-1,eu", stats.Streams[0].Instance)
	assert.Equal(t, []string{"edge-1", "eu"}, stats.Streams[0].Groups)
	assert.Equal(t, "v3", stats.Streams[0].Version)
	assert.Equal(t, "test", stats.Streams[0].Transport)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, h.Stats().Subscribers)
	assert.Equal(t, []string{events.TypeSubscriberConnected, events.TypeSubscriberDisconnected}, notifier.Types())

	notifier.mu.Lock()
	ev := notifier.events[1].(events.SubscriberDisconnected)
	notifier.mu.Unlock()
	assert.Equal(t, ReasonNormal, ev.Reason)
}

func TestDisconnect(t *testing.T) {
	h := newTestHub(t, Options{})
	_, cancel, done := subscribe(t, h, "edge-1", protocol.V2)
	defer cancel()

	id := h.Subscribers()[0].ID
	assert.True(t, h.Disconnect(id))
	require.NoError(t, <-done)
	assert.False(t, h.Disconnect(id))
}

func TestSubscribeWriteFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	h := newTestHub(t, Options{Notifier: notifier})
	out, cancel, done := subscribe(t, h, "edge-1", protocol.V2)
	defer cancel()

	out.mu.Lock()
	out.fail = errors.New("broken pipe")
	out.mu.Unlock()

	_, err := h.Queue(context.Background(), "edge-1", protocol.Hello{})
	require.NoError(t, err)
	assert.Error(t, <-done)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	var ev *events.SubscriberDisconnected
	for _, e := range notifier.events {
		if d, ok := e.(events.SubscriberDisconnected); ok {
			ev = &d
		}
	}
	require.NotNil(t, ev)
	assert.Equal(t, ReasonError, ev.Reason)
	assert.NotEmpty(t, ev.Error)
}

func TestCloseEndsStreams(t *testing.T) {
	notifier := &recordingNotifier{}
	h := newTestHub(t, Options{Notifier: notifier})
	_, cancel, done := subscribe(t, h, "edge-1", protocol.V2)
	defer cancel()

	assert.True(t, h.Ready())
	require.NoError(t, h.Close(context.Background()))
	require.NoError(t, <-done)
	assert.False(t, h.Ready())

	notifier.mu.Lock()
	ev := notifier.events[len(notifier.events)-1].(events.SubscriberDisconnected)
	notifier.mu.Unlock()
	assert.Equal(t, ReasonShutdown, ev.Reason)

	err := h.Subscribe(context.Background(), SubscribeRequest{Instance: "edge-2", Version: protocol.V2}, &lineBuffer{})
	assert.ErrorIs(t, err, ErrClosed)
}
