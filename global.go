package analytics

import (
	"context"
	"errors"
	"sync"

	"github.com/headlessly/analytics-go/pkg/event"
)

// ErrAlreadyInitialized is returned by Init when a package-level client
// already exists.
var ErrAlreadyInitialized = errors.New("analytics: client already initialized")

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Init creates the package-level client. It fails if one already exists;
// call Reset first to replace it.
func Init(cfg Config) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient != nil {
		return ErrAlreadyInitialized
	}
	c, err := New(cfg)
	if err != nil {
		return err
	}
	defaultClient = c
	return nil
}

// Default returns the package-level client, or nil before Init.
func Default() *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultClient
}

// Reset closes and clears the package-level client. Safe to call when no
// client exists.
func Reset(ctx context.Context) error {
	defaultMu.Lock()
	c := defaultClient
	defaultClient = nil
	defaultMu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close(ctx)
}

// Track records an event on the package-level client. No-op before Init.
func Track(name string, properties map[string]any) {
	if c := Default(); c != nil {
		c.Track(name, properties)
	}
}

// Page records a page view on the package-level client. No-op before Init.
func Page(name string, properties map[string]any) {
	if c := Default(); c != nil {
		c.Page(name, properties)
	}
}

// Identify binds a user id on the package-level client. No-op before Init.
func Identify(userID string, traits map[string]any) {
	if c := Default(); c != nil {
		c.Identify(userID, traits)
	}
}

// CaptureException records an error on the package-level client. No-op
// before Init.
func CaptureException(err error, tags map[string]string, extra map[string]any) {
	if c := Default(); c != nil {
		c.CaptureException(err, tags, extra)
	}
}

// CaptureMessage records a diagnostic message on the package-level client.
// No-op before Init.
func CaptureMessage(message string, level event.Severity) {
	if c := Default(); c != nil {
		c.CaptureMessage(message, level)
	}
}

// Flush flushes the package-level client. No-op before Init.
func Flush(ctx context.Context) error {
	if c := Default(); c != nil {
		return c.Flush(ctx)
	}
	return nil
}
