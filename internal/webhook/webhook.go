// Package webhook delivers outbound HTTP notifications for every event
// the broker publishes, one independent delivery worker per configured
// URL so a slow or unreachable target cannot delay delivery to another.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentation/broker/internal/logging"
	"github.com/agentation/broker/pkg/types"
)

// deliveryTimeout bounds a single POST attempt.
const deliveryTimeout = 5 * time.Second

// maxRetries is the number of retries after the initial attempt fails.
const maxRetries = 3

// eventSource is the slice of eventbus.Bus the webhook subscriber needs.
// Defined locally so this package has no compile-time dependency on
// internal/eventbus.
type eventSource interface {
	SubscribeAll() (<-chan types.Event, func())
}

// Manager runs one delivery worker per configured URL, each subscribing
// independently to the global event stream.
type Manager struct {
	urls   []string
	bus    eventSource
	client *http.Client
	cancel context.CancelFunc
}

// NewManager builds a webhook Manager for the given URLs. An empty urls
// slice yields a Manager whose Start is a no-op.
func NewManager(bus eventSource, urls []string) *Manager {
	return &Manager{
		urls:   urls,
		bus:    bus,
		client: &http.Client{Timeout: deliveryTimeout},
	}
}

// Start launches one goroutine per configured URL. Each subscribes to
// the bus independently, so a full channel on one worker's subscription
// never blocks another's.
func (m *Manager) Start(ctx context.Context) {
	if len(m.urls) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, url := range m.urls {
		go m.runWorker(ctx, url)
	}
}

// Stop cancels every delivery worker. The cancellation also aborts any
// in-flight delivery attempt, and Stop returns without waiting for the
// workers to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Manager) runWorker(ctx context.Context, url string) {
	events, unsubscribe := m.bus.SubscribeAll()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := m.deliver(ctx, url, ev); err != nil {
				logging.Error().Err(err).Str("url", url).Uint64("sequence", ev.Sequence).
					Msg("webhook delivery failed, giving up after retries")
			}
		}
	}
}

// deliver POSTs the event envelope to url, retrying up to maxRetries
// times with exponential backoff. Failures do not block delivery to any
// other subscriber, including other webhook workers.
func (m *Manager) deliver(ctx context.Context, url string, ev types.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.RandomizationFactor = 0.5

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := m.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook target returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("webhook target returned %d", resp.StatusCode))
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx))
}
