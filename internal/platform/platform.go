// Package platform abstracts the host-environment capabilities the sync core
// depends on: durable key-value state and network-availability signals. The
// sync packages only ever see these interfaces, so per-platform wiring stays
// in the binaries.
package platform

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// KeyValueStore is minimal durable string storage for small state items
// (node identity, watermarks, persisted config).
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// NetworkObserver reports connectivity to the sync server and notifies
// subscribers on transitions.
type NetworkObserver interface {
	Online() bool
	// Subscribe registers a transition callback and returns an unsubscribe
	// function. The callback receives the new online state.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// ProbeObserver determines connectivity by periodically probing an HTTP
// endpoint (the server's /health). It starts pessimistic: offline until the
// first successful probe.
type ProbeObserver struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
	cancel context.CancelFunc
}

// NewProbeObserver creates an observer probing url every interval.
func NewProbeObserver(url string, interval time.Duration) *ProbeObserver {
	return &ProbeObserver{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		subs:     make(map[int]func(bool)),
	}
}

// Start launches the probe loop. Stop with Stop; Start is not re-entrant.
func (o *ProbeObserver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	go func() {
		o.probe(ctx)
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.probe(ctx)
			}
		}
	}()
}

// Stop terminates the probe loop. Idempotent.
func (o *ProbeObserver) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *ProbeObserver) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		o.setOnline(false)
		return
	}
	resp, err := o.client.Do(req)
	if err != nil {
		o.setOnline(false)
		return
	}
	resp.Body.Close()
	o.setOnline(resp.StatusCode < 500)
}

func (o *ProbeObserver) setOnline(online bool) {
	o.mu.Lock()
	changed := o.online != online
	o.online = online
	var fns []func(bool)
	if changed {
		for _, fn := range o.subs {
			fns = append(fns, fn)
		}
	}
	o.mu.Unlock()

	if changed {
		logrus.WithField("online", online).Info("Network state changed")
		for _, fn := range fns {
			fn(online)
		}
	}
}

// Online reports the last observed connectivity state.
func (o *ProbeObserver) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Subscribe implements NetworkObserver.
func (o *ProbeObserver) Subscribe(fn func(bool)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// StaticObserver is a NetworkObserver with an externally driven state,
// used in tests and for forced-offline operation.
type StaticObserver struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

// NewStaticObserver returns an observer fixed to the given initial state.
func NewStaticObserver(online bool) *StaticObserver {
	return &StaticObserver{online: online, subs: make(map[int]func(bool))}
}

// SetOnline flips the state and notifies subscribers on transitions.
func (o *StaticObserver) SetOnline(online bool) {
	o.mu.Lock()
	changed := o.online != online
	o.online = online
	var fns []func(bool)
	if changed {
		for _, fn := range o.subs {
			fns = append(fns, fn)
		}
	}
	o.mu.Unlock()
	if changed {
		for _, fn := range fns {
			fn(online)
		}
	}
}

// Online reports the current state.
func (o *StaticObserver) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Subscribe implements NetworkObserver.
func (o *StaticObserver) Subscribe(fn func(bool)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}
