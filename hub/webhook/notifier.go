// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxhub/config"
	"github.com/absmach/fluxhub/hub/events"
	"github.com/sony/gobreaker"
)

var _ Notifier = (*GenericNotifier)(nil)

// GenericNotifier implements webhook notifications with worker pool and circuit breaker.
type GenericNotifier struct {
	cfg        config.WebhookConfig
	hubID      string
	endpoints  []endpointConfig
	eventQueue chan eventJob
	breakers   map[string]*gobreaker.CircuitBreaker
	sender     Sender
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	dropped    atomic.Uint64
	closeOnce  sync.Once
}

type endpointConfig struct {
	name          string
	url           string
	eventFilters  map[string]bool
	targetFilters []string
	headers       map[string]string
	timeout       time.Duration
	retryConfig   config.RetryConfig
}

type eventJob struct {
	event    events.Event
	endpoint endpointConfig
	attempt  int
}

// NewNotifier creates a new generic webhook notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, hubID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		eventFilters := make(map[string]bool, len(ep.Events))
		for _, eventType := range ep.Events {
			eventFilters[eventType] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}

		retryConfig := cfg.Defaults.Retry
		if ep.Retry != nil {
			retryConfig = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:          ep.Name,
			url:           ep.URL,
			eventFilters:  eventFilters,
			targetFilters: ep.TargetFilters,
			headers:       ep.Headers,
			timeout:       timeout,
			retryConfig:   retryConfig,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook_circuit_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	n := &GenericNotifier{
		cfg:        cfg,
		hubID:      hubID,
		endpoints:  endpoints,
		eventQueue: make(chan eventJob, cfg.QueueSize),
		breakers:   breakers,
		sender:     sender,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook_notifier_started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues an event for every matching endpoint.
func (n *GenericNotifier) Notify(ctx context.Context, ev events.Event) error {
	if ev == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if n.ctx.Err() != nil {
		return fmt.Errorf("notifier closed")
	}

	for _, endpoint := range n.endpoints {
		if !shouldNotify(endpoint, ev) {
			continue
		}
		n.enqueue(eventJob{event: ev, endpoint: endpoint})
	}

	return nil
}

func (n *GenericNotifier) enqueue(job eventJob) {
	select {
	case n.eventQueue <- job:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.eventQueue:
			n.dropped.Add(1)
		default:
		}
		select {
		case n.eventQueue <- job:
			return
		default:
		}
	}

	n.dropped.Add(1)
	n.logger.Error("webhook_queue_full",
		slog.String("event_type", job.event.Type()),
		slog.String("endpoint", job.endpoint.name))
}

// Dropped returns how many jobs were discarded because the queue was full.
func (n *GenericNotifier) Dropped() uint64 {
	return n.dropped.Load()
}

func shouldNotify(endpoint endpointConfig, event events.Event) bool {
	if len(endpoint.eventFilters) > 0 && !endpoint.eventFilters[event.Type()] {
		return false
	}
	if len(endpoint.targetFilters) == 0 {
		return true
	}
	for _, filter := range endpoint.targetFilters {
		if targetMatches(filter, event.Target()) {
			return true
		}
	}
	return false
}

// targetMatches reports whether target matches a glob filter such as
// "edge-*" or "group:*".
func targetMatches(filter, target string) bool {
	ok, err := path.Match(filter, target)
	return err == nil && ok
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-n.eventQueue:
			n.processJob(job)
		}
	}
}

func (n *GenericNotifier) processJob(job eventJob) {
	breaker := n.breakers[job.endpoint.name]

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, n.sendWebhook(job)
	})
	if err == nil {
		return
	}

	if job.attempt >= job.endpoint.retryConfig.MaxAttempts-1 {
		n.logger.Error("webhook_delivery_failed",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type()),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	job.attempt++
	delay := retryDelay(job.attempt, job.endpoint.retryConfig)

	n.logger.Debug("webhook_delivery_retry",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.ctx.Err() != nil {
			return
		}
		select {
		case n.eventQueue <- job:
		default:
			n.dropped.Add(1)
			n.logger.Error("webhook_retry_dropped",
				slog.String("endpoint", job.endpoint.name),
				slog.String("event_type", job.event.Type()))
		}
	})
}

func (n *GenericNotifier) sendWebhook(job eventJob) error {
	payload, err := json.Marshal(job.event.Wrap(n.hubID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, job.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload, job.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook_delivered",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()))

	return nil
}

// retryDelay is exponential backoff capped at MaxInterval.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close drains pending jobs until ShutdownTimeout, then stops the workers.
func (n *GenericNotifier) Close() error {
	n.closeOnce.Do(func() {
		n.logger.Info("webhook_notifier_stopping", slog.Int("queue_depth", len(n.eventQueue)))

		deadline := time.Now().Add(n.cfg.ShutdownTimeout)
		for len(n.eventQueue) > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		n.cancel()

		done := make(chan struct{})
		go func() {
			n.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			n.logger.Info("webhook_notifier_stopped")
		case <-time.After(time.Until(deadline) + time.Second):
			n.logger.Warn("webhook_notifier_shutdown_timeout",
				slog.Int("queue_depth", len(n.eventQueue)))
		}
	})
	return nil
}
