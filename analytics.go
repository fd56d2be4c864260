// Package analytics is the headless.ly client SDK: telemetry event capture
// with reliable batched delivery, a best-effort feature-flag cache, and live
// entity subscriptions over a single auto-reconnecting WebSocket session.
package analytics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/headlessly/analytics-go/internal/delivery"
	"github.com/headlessly/analytics-go/internal/flags"
	"github.com/headlessly/analytics-go/internal/logger"
	"github.com/headlessly/analytics-go/internal/storage"
	"github.com/headlessly/analytics-go/pkg/backoff"
	"github.com/headlessly/analytics-go/pkg/event"
	"github.com/headlessly/analytics-go/pkg/realtime"
)

// Client composes the delivery pipeline, flag cache, and realtime manager.
// Producer calls never block on network I/O and never return delivery
// errors; failures surface through Config.ErrorHandler.
type Client struct {
	cfg      Config
	log      *zap.Logger
	store    storage.Store
	identity *storage.Identity
	pipeline *delivery.Pipeline
	flags    *flags.Cache
	realtime *realtime.Manager
	crumbs   *event.BreadcrumbRing
}

// New creates a Client. Missing Config fields get defaults; only APIKey is
// required.
func New(cfg Config) (*Client, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		var err error
		log, err = logger.New(cfg.Debug)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	var store storage.Store
	switch cfg.Persistence {
	case PersistenceMemory:
		store = storage.NewMemoryStore()
	default:
		os.MkdirAll(filepath.Dir(cfg.StoragePath), 0o755)
		store = storage.NewSQLiteStore(cfg.StoragePath, log)
	}
	identity := storage.NewIdentity(store, log)

	c := &Client{
		cfg:      cfg,
		log:      log,
		store:    store,
		identity: identity,
		crumbs:   &event.BreadcrumbRing{},
	}

	c.flags = flags.New(flags.Config{
		Endpoint:   cfg.Endpoint + "/flags",
		APIKey:     cfg.APIKey,
		TTL:        cfg.FlagTTL,
		HTTPClient: cfg.HTTPClient,
	}, identity.DistinctID, c.captureFlagEvent, log)

	transport := delivery.NewHTTPTransport(cfg.Endpoint, cfg.APIKey, cfg.HTTPClient, log)
	c.pipeline = delivery.New(delivery.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		MaxRetries:    cfg.MaxRetries,
		SampleRate:    cfg.SampleRate,
		Backoff: backoff.Policy{
			Base:    cfg.RetryBaseDelay,
			Ceiling: cfg.RetryMaxDelay,
		},
		ErrorSink: cfg.ErrorHandler,
		OptedOut:  identity.OptedOut,
		OnFirstFlush: func() {
			c.flags.Reload(context.Background())
		},
	}, transport, transport, log)

	c.realtime = realtime.NewManager(realtime.Config{
		URL:               cfg.WSEndpoint,
		APIKey:            cfg.APIKey,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Backoff: backoff.Policy{
			Base:        cfg.ReconnectBaseDelay,
			Ceiling:     cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.MaxReconnectAttempts,
		},
	}, log)

	log.Debug("client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("persistence", string(cfg.Persistence)))
	return c, nil
}

func (c *Client) eventIdentity() event.Identity {
	return event.Identity{
		AnonymousID: c.identity.AnonymousID(),
		UserID:      c.identity.UserID(),
		SessionID:   c.identity.SessionID(),
	}
}

// captureFlagEvent records a flag evaluation as a track event.
func (c *Client) captureFlagEvent(name string, properties map[string]any) {
	c.pipeline.Enqueue(event.NewTrack(name, properties, c.eventIdentity(), time.Now()))
}

// Track records a named action.
func (c *Client) Track(name string, properties map[string]any) {
	c.pipeline.Enqueue(event.NewTrack(name, properties, c.eventIdentity(), time.Now()))
}

// Page records a page view.
func (c *Client) Page(name string, properties map[string]any) {
	c.pipeline.Enqueue(event.NewPage(name, properties, c.eventIdentity(), time.Now()))
}

// Identify binds the authenticated user id to the current anonymous
// identity and records an identify event. Identify events are never
// sampled out.
func (c *Client) Identify(userID string, traits map[string]any) {
	c.identity.SetUserID(userID)
	c.pipeline.Enqueue(event.NewIdentify(traits, c.eventIdentity(), time.Now()))
}

// Alias links a new identifier to the current identity.
func (c *Client) Alias(alias string) {
	c.pipeline.Enqueue(event.NewAlias(alias, c.eventIdentity(), time.Now()))
}

// Group associates the current identity with a group.
func (c *Client) Group(groupType, groupKey string, properties map[string]any) {
	c.pipeline.Enqueue(event.NewGroup(groupType, groupKey, properties, c.eventIdentity(), time.Now()))
}

// CaptureException records an error with its call stack and the current
// breadcrumb trail.
func (c *Client) CaptureException(err error, tags map[string]string, extra map[string]any) {
	if err == nil {
		return
	}
	exc := &event.Exception{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Frames:  callStack(3),
	}
	c.pipeline.Enqueue(event.NewException(exc, event.SeverityError, tags, extra,
		c.crumbs.Snapshot(), c.eventIdentity(), time.Now()))
}

// CaptureMessage records a diagnostic message with the current breadcrumb
// trail.
func (c *Client) CaptureMessage(message string, level event.Severity) {
	c.pipeline.Enqueue(event.NewMessage(message, level, nil, nil,
		c.crumbs.Snapshot(), c.eventIdentity(), time.Now()))
}

// AddBreadcrumb appends to the trail attached to subsequent diagnostic
// events. The trail is capped; the oldest breadcrumb is evicted first.
func (c *Client) AddBreadcrumb(category, message string, data map[string]any) {
	c.crumbs.Add(event.Breadcrumb{
		Category:  category,
		Message:   message,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// GetFlag returns a feature-flag value and whether the key is present.
func (c *Client) GetFlag(key string) (any, bool) {
	return c.flags.Get(key)
}

// IsFeatureEnabled projects a flag value to a boolean.
func (c *Client) IsFeatureEnabled(key string) bool {
	return c.flags.IsEnabled(key)
}

// OnFlagChange registers a listener fired when a reload changes the key's
// value. Returns a disposer.
func (c *Client) OnFlagChange(key string, fn func(value any)) func() {
	return c.flags.OnChange(key, fn)
}

// ReloadFlags fetches a fresh flag snapshot. Failures are swallowed; the
// previous snapshot stays in place.
func (c *Client) ReloadFlags(ctx context.Context) {
	c.flags.Reload(ctx)
}

// Subscribe registers a handler for live updates of one entity type, or of
// every entity type with realtime.Wildcard. Connects automatically when
// fully disconnected. Returns a disposer for this handler.
func (c *Client) Subscribe(entityType string, handler realtime.Handler) func() {
	return c.realtime.Subscribe(entityType, handler)
}

// Connect opens the realtime session.
func (c *Client) Connect() { c.realtime.Connect() }

// Disconnect tears the realtime session down and cancels its timers.
func (c *Client) Disconnect() { c.realtime.Disconnect() }

// ConnectionState reports the realtime session state.
func (c *Client) ConnectionState() realtime.State { return c.realtime.State() }

// OnConnectionChange registers a connection-state listener. Returns a
// disposer.
func (c *Client) OnConnectionChange(fn func(realtime.State)) func() {
	return c.realtime.OnStateChange(fn)
}

// DistinctID returns the authenticated id when known, else the anonymous id.
func (c *Client) DistinctID() string { return c.identity.DistinctID() }

// AnonymousID returns the persistent anonymous identifier.
func (c *Client) AnonymousID() string { return c.identity.AnonymousID() }

// OptOut stops event collection and persists the choice.
func (c *Client) OptOut() { c.identity.OptOut() }

// OptIn resumes event collection.
func (c *Client) OptIn() { c.identity.OptIn() }

// OptedOut reports whether collection is disabled.
func (c *Client) OptedOut() bool { return c.identity.OptedOut() }

// Flush delivers all queued events through the confirmable transport and
// waits for the immediate attempt.
func (c *Client) Flush(ctx context.Context) error {
	return c.pipeline.Flush(ctx, false)
}

// FlushBeacon drains the queue through the fire-and-forget beacon path.
// Used as a last effort during shutdown or unload; delivery is unconfirmed.
func (c *Client) FlushBeacon() {
	c.pipeline.Flush(context.Background(), true)
}

// Close flushes remaining events, cancels all pipeline timers, disconnects
// the realtime session, and releases the local store.
func (c *Client) Close(ctx context.Context) error {
	c.realtime.Disconnect()
	err := c.pipeline.Close(ctx)
	if serr := c.store.Close(); serr != nil && err == nil {
		err = serr
	}
	if c.cfg.Logger == nil {
		c.log.Sync()
	}
	return err
}

// callStack captures the caller's stack, oldest frame first.
func callStack(skip int) []event.Frame {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}

	iter := runtime.CallersFrames(pcs[:n])
	var frames []event.Frame
	for {
		f, more := iter.Next()
		frames = append(frames, event.Frame{
			Function: f.Function,
			File:     f.File,
			Line:     f.Line,
		})
		if !more {
			break
		}
	}
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames
}
