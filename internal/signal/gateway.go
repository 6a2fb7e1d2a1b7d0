// Package signal implements the Signal Gateway (C7): a validated,
// subscription-tracking pass-through to the external vehicle signal
// broker. It loads and indexes the vehicle signal schema, forwards
// get/set/subscribe calls over a raw gRPC codec. The initial broker connect
// is retried with backoff; a connection lost after it succeeded is not
// re-established.
package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"edgeruntime/internal/logger"
	"edgeruntime/internal/pubsub"
	"edgeruntime/internal/store"
)

// subscription is one remote-client or app subscription to a set of paths.
type subscription struct {
	id    string
	appID string
	paths []string
	stop  context.CancelFunc
}

// broker is the narrow surface Gateway needs from a broker connection;
// satisfied by *BrokerClient, kept as an interface so tests can substitute
// a fake without a real gRPC dial.
type broker interface {
	Connect(ctx context.Context) error
	Close() error
	Get(ctx context.Context, paths []string) (map[string]any, error)
	Set(ctx context.Context, updates map[string]any) error
	Subscribe(ctx context.Context, paths []string) (<-chan subscribeUpdate, error)
}

var _ broker = (*BrokerClient)(nil)

// Gateway is the Signal Gateway (C7).
type Gateway struct {
	mu     sync.RWMutex
	schema *Schema
	client broker
	ps     pubsub.PubSub
	store  *store.Store

	subs      map[string]*subscription
	cached    map[string]any
	stale     bool
	degraded  bool
	connected bool
}

// New constructs a Gateway with an already-loaded Schema.
func New(schema *Schema, client *BrokerClient, ps pubsub.PubSub, st *store.Store) *Gateway {
	return &Gateway{
		schema: schema,
		client: client,
		ps:     ps,
		store:  st,
		subs:   make(map[string]*subscription),
		cached: make(map[string]any),
	}
}

// Degraded reports whether the most recent broker Connect attempt in Run
// failed; used to populate get_runtime_info's status field.
func (g *Gateway) Degraded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.degraded
}

// Run connects to the broker, retrying a failed Connect with a jittered
// exponential backoff until it succeeds or ctx is done. Once connected it
// marks the cached value set stale until fresh updates arrive, re-registers
// every active subscription, and then waits for ctx before closing the
// client. A broker connection lost after that point is not detected and
// does not trigger a reconnect.
func (g *Gateway) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		attempt++
		if err := g.client.Connect(ctx); err != nil {
			g.setDegraded(true)
			delay := backoffDelay(attempt)
			logger.GetLogger(ctx).Sugar().Warnw("signal: broker connect failed, retrying",
				"attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		g.setDegraded(false)
		g.markStale()
		g.reregisterAll(ctx)

		<-ctx.Done()
		_ = g.client.Close()
		return
	}
}

func (g *Gateway) setDegraded(v bool) {
	g.mu.Lock()
	g.degraded = v
	g.connected = !v
	g.mu.Unlock()
}

func (g *Gateway) markStale() {
	g.mu.Lock()
	g.stale = true
	g.mu.Unlock()
}

func (g *Gateway) reregisterAll(ctx context.Context) {
	g.mu.RLock()
	subs := make([]*subscription, 0, len(g.subs))
	for _, sub := range g.subs {
		subs = append(subs, sub)
	}
	g.mu.RUnlock()

	for _, sub := range subs {
		g.startStream(ctx, sub)
	}
}

// Subscribe validates every path against the schema, registers the
// subscription with the broker, and records each path for the owning app in
// the Store (spec.md §4.7's subscribe operation). The Gateway does not read
// those rows back at startup, so a subscription is not re-registered after
// a runtime restart.
func (g *Gateway) Subscribe(ctx context.Context, appID string, paths []string) (string, error) {
	if invalid := g.schema.Valid(paths); len(invalid) > 0 {
		return "", fmt.Errorf("signal: unknown signal paths: %v", invalid)
	}

	subID := uuid.NewString()
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{id: subID, appID: appID, paths: paths, stop: cancel}

	g.mu.Lock()
	g.subs[subID] = sub
	g.mu.Unlock()

	if g.store != nil {
		for _, p := range paths {
			if err := g.store.AddSignalSubscription(ctx, appID, p); err != nil {
				logger.GetLogger(ctx).Sugar().Warnw("signal: persisting subscription failed", "app_id", appID, "path", p, "error", err)
			}
		}
	}

	g.startStream(subCtx, sub)
	return subID, nil
}

// Unsubscribe tears down a previously registered subscription.
func (g *Gateway) Unsubscribe(ctx context.Context, subID string) error {
	g.mu.Lock()
	sub, ok := g.subs[subID]
	if ok {
		delete(g.subs, subID)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("signal: no such subscription %s", subID)
	}

	sub.stop()
	if g.store != nil {
		for _, p := range sub.paths {
			if err := g.store.RemoveSignalSubscription(ctx, sub.appID, p); err != nil {
				logger.GetLogger(ctx).Sugar().Warnw("signal: removing subscription failed", "app_id", sub.appID, "path", p, "error", err)
			}
		}
	}
	return nil
}

func (g *Gateway) startStream(ctx context.Context, sub *subscription) {
	if g.Degraded() {
		return
	}
	updates, err := g.client.Subscribe(ctx, sub.paths)
	if err != nil {
		logger.GetLogger(ctx).Sugar().Warnw("signal: opening subscribe stream failed", "sub_id", sub.id, "error", err)
		return
	}

	go func() {
		for u := range updates {
			g.mu.Lock()
			g.cached[u.Path] = u.Value
			g.stale = false
			g.mu.Unlock()

			if g.ps != nil {
				evt := pubsub.SignalUpdateEvent{
					Type:      pubsub.EventTypeSignalUpdate,
					Path:      u.Path,
					Value:     u.Value,
					Timestamp: time.Now().UTC(),
				}
				_ = g.ps.Publish(ctx, "signal."+sub.appID, evt)
			}
		}
	}()
}

// Get validates paths and returns their current values, preferring a live
// broker round trip and falling back to the (possibly stale) cache while
// degraded.
func (g *Gateway) Get(ctx context.Context, paths []string) (map[string]any, error) {
	if invalid := g.schema.Valid(paths); len(invalid) > 0 {
		return nil, fmt.Errorf("signal: unknown signal paths: %v", invalid)
	}

	if !g.Degraded() {
		values, err := g.client.Get(ctx, paths)
		if err == nil {
			g.mu.Lock()
			for k, v := range values {
				g.cached[k] = v
			}
			g.mu.Unlock()
			return values, nil
		}
		logger.GetLogger(ctx).Sugar().Warnw("signal: broker Get failed, serving cache", "error", err)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]any, len(paths))
	for _, p := range paths {
		out[p] = g.cached[p]
	}
	return out, nil
}

// Set validates updates' paths against the schema and forwards them to the
// broker; it is not served from cache, since writes require a live broker.
func (g *Gateway) Set(ctx context.Context, updates map[string]any) error {
	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	if invalid := g.schema.Valid(paths); len(invalid) > 0 {
		return fmt.Errorf("signal: unknown signal paths: %v", invalid)
	}
	if g.Degraded() {
		return fmt.Errorf("signal: broker unreachable")
	}
	return g.client.Set(ctx, updates)
}
