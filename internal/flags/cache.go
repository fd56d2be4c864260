// Package flags maintains the locally cached feature-flag snapshot: reload
// from the collector, TTL staleness, per-key change notification, and flag
// evaluation capture.
package flags

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config configures the cache.
type Config struct {
	// Endpoint is the full flags URL.
	Endpoint string
	APIKey   string
	// TTL marks the snapshot stale once this much time has passed since the
	// last successful reload. Zero means never stale.
	TTL time.Duration
	// HTTPClient defaults to a client with a 10 second timeout.
	HTTPClient *http.Client
}

// CaptureFunc records a flag evaluation as an analytics event.
type CaptureFunc func(name string, properties map[string]any)

type listener struct {
	fn func(value any)
}

// Cache is the best-effort feature-flag store. Reload failures are swallowed
// and the previous snapshot stays in place; flags must never block or fail
// the primary event flow.
type Cache struct {
	cfg        Config
	log        *zap.Logger
	distinctID func() string
	capture    CaptureFunc
	now        func() time.Time

	mu        sync.Mutex
	values    map[string]any
	fetchedAt time.Time
	listeners map[string][]*listener
	capturing bool
	reloading bool
}

// New creates a cache. distinctID supplies the id used to key flag fetches
// (authenticated id when known, else anonymous). capture, when non-nil, is
// invoked once per successful Get with a $feature_flag_called event.
func New(cfg Config, distinctID func() string, capture CaptureFunc, log *zap.Logger) *Cache {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		cfg:        cfg,
		log:        log,
		distinctID: distinctID,
		capture:    capture,
		now:        time.Now,
		values:     make(map[string]any),
		listeners:  make(map[string][]*listener),
	}
}

type flagsRequest struct {
	DistinctID string `json:"distinctId"`
}

type flagsResponse struct {
	Flags map[string]any `json:"flags"`
}

func (c *Cache) fetch(ctx context.Context) (map[string]any, error) {
	body, err := json.Marshal(flagsRequest{DistinctID: c.distinctID()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode flags request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build flags request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch flags: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("flags endpoint responded with status %d", resp.StatusCode)
	}

	var parsed flagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode flags response: %w", err)
	}
	return parsed.Flags, nil
}

// Reload fetches a fresh snapshot and applies it key by key, firing change
// listeners for keys whose value changed or appeared while a listener was
// registered. On failure the existing cache is left untouched.
func (c *Cache) Reload(ctx context.Context) {
	snapshot, err := c.fetch(ctx)
	if err != nil {
		c.log.Warn("flag reload failed, keeping stale snapshot", zap.Error(err))
		return
	}

	type firing struct {
		fn    func(any)
		value any
	}
	var fires []firing

	c.mu.Lock()
	for key, value := range snapshot {
		prev, existed := c.values[key]
		c.values[key] = value

		if ls := c.listeners[key]; len(ls) > 0 {
			if !existed || !reflect.DeepEqual(prev, value) {
				for _, l := range ls {
					fires = append(fires, firing{fn: l.fn, value: value})
				}
			}
		}
	}
	for key := range c.values {
		if _, ok := snapshot[key]; !ok {
			delete(c.values, key)
		}
	}
	c.fetchedAt = c.now()
	c.mu.Unlock()

	c.log.Debug("reloaded flags", zap.Int("count", len(snapshot)))
	for _, f := range fires {
		c.safeNotify(f.fn, f.value)
	}
}

func (c *Cache) safeNotify(fn func(any), value any) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("flag listener panicked", zap.Any("panic", r))
		}
	}()
	fn(value)
}

// Get looks up a flag. A stale snapshot triggers a fire-and-forget reload
// first; the stale value is still returned immediately. A present key is
// recorded through the capture hook, guarded against re-entry so the emission
// cannot trigger a nested evaluation.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	if c.cfg.TTL > 0 && c.now().Sub(c.fetchedAt) > c.cfg.TTL && !c.reloading {
		c.reloading = true
		go func() {
			c.Reload(context.Background())
			c.mu.Lock()
			c.reloading = false
			c.mu.Unlock()
		}()
	}

	value, ok := c.values[key]
	doCapture := ok && c.capture != nil && !c.capturing
	if doCapture {
		c.capturing = true
	}
	c.mu.Unlock()

	if doCapture {
		c.capture("$feature_flag_called", map[string]any{
			"$feature_flag":          key,
			"$feature_flag_response": value,
		})
		c.mu.Lock()
		c.capturing = false
		c.mu.Unlock()
	}

	return value, ok
}

// IsEnabled projects a flag value to a boolean. True for literal true, the
// string "true", and any non-empty string other than "false" and "control"
// (the A/B control arm). Numbers and objects are never truthy.
func (c *Cache) IsEnabled(key string) bool {
	value, ok := c.Get(key)
	if !ok {
		return false
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != "" && v != "false" && v != "control"
	default:
		return false
	}
}

// OnChange registers a listener for one key, fired on any reload that changes
// the key's value (including first appearance while listening) and never when
// the value is unchanged. The returned disposer removes only this listener.
func (c *Cache) OnChange(key string, fn func(value any)) func() {
	l := &listener{fn: fn}

	c.mu.Lock()
	c.listeners[key] = append(c.listeners[key], l)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ls := c.listeners[key]
		for i, candidate := range ls {
			if candidate == l {
				c.listeners[key] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
		if len(c.listeners[key]) == 0 {
			delete(c.listeners, key)
		}
	}
}

// FetchedAt reports the time of the last successful reload.
func (c *Cache) FetchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchedAt
}
