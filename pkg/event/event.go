// Package event defines the wire model for analytics and diagnostic events.
package event

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the event union.
type Kind string

const (
	KindPage      Kind = "page"
	KindTrack     Kind = "track"
	KindIdentify  Kind = "identify"
	KindAlias     Kind = "alias"
	KindGroup     Kind = "group"
	KindException Kind = "exception"
	KindMessage   Kind = "message"
)

// Severity levels for diagnostic events.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Frame is one stack frame. Frames are ordered oldest to newest.
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// Exception is the structured error attached to a KindException event.
type Exception struct {
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Frames  []Frame `json:"frames,omitempty"`
}

// Breadcrumb records one step of what happened before a diagnostic event.
type Breadcrumb struct {
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Identity carries the identifiers stamped onto every event.
type Identity struct {
	AnonymousID string
	UserID      string
	SessionID   string
}

// Event is the tagged union delivered to the collector. Analytics kinds
// (page, track, identify, alias, group) use Name and Properties; diagnostic
// kinds (exception, message) use EventID, Level, Exception, Tags, Extra and
// Breadcrumbs. Events are immutable once constructed.
type Event struct {
	Kind        Kind           `json:"kind"`
	Name        string         `json:"name,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	AnonymousID string         `json:"anonymousId"`
	UserID      string         `json:"userId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`

	EventID     string            `json:"eventId,omitempty"`
	Level       Severity          `json:"level,omitempty"`
	Exception   *Exception        `json:"exception,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Extra       map[string]any    `json:"extra,omitempty"`
	Breadcrumbs []Breadcrumb      `json:"breadcrumbs,omitempty"`
}

// IsDiagnostic reports whether the event carries error/diagnostic payload.
func (e Event) IsDiagnostic() bool {
	return e.Kind == KindException || e.Kind == KindMessage
}

// Sampleable reports whether the event is subject to the sampling roll.
// Diagnostic and identity events (identify, alias) are always kept.
func (e Event) Sampleable() bool {
	switch e.Kind {
	case KindPage, KindTrack, KindGroup:
		return true
	default:
		return false
	}
}

// NewID returns a random 32-hex-character diagnostic event identifier.
func NewID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func base(kind Kind, id Identity, at time.Time) Event {
	return Event{
		Kind:        kind,
		Timestamp:   at,
		AnonymousID: id.AnonymousID,
		UserID:      id.UserID,
		SessionID:   id.SessionID,
	}
}

// NewTrack builds a track event for a named action.
func NewTrack(name string, props map[string]any, id Identity, at time.Time) Event {
	e := base(KindTrack, id, at)
	e.Name = name
	e.Properties = props
	return e
}

// NewPage builds a page view event.
func NewPage(name string, props map[string]any, id Identity, at time.Time) Event {
	e := base(KindPage, id, at)
	e.Name = name
	e.Properties = props
	return e
}

// NewIdentify builds an identify event binding the authenticated user id.
func NewIdentify(traits map[string]any, id Identity, at time.Time) Event {
	e := base(KindIdentify, id, at)
	e.Properties = traits
	return e
}

// NewAlias builds an alias event linking a new id to the current identity.
func NewAlias(alias string, id Identity, at time.Time) Event {
	e := base(KindAlias, id, at)
	e.Name = alias
	return e
}

// NewGroup builds a group association event.
func NewGroup(groupType, groupKey string, props map[string]any, id Identity, at time.Time) Event {
	e := base(KindGroup, id, at)
	e.Name = groupType
	merged := make(map[string]any, len(props)+1)
	for k, v := range props {
		merged[k] = v
	}
	merged["groupKey"] = groupKey
	e.Properties = merged
	return e
}

// NewException builds a diagnostic event for a structured exception.
func NewException(exc *Exception, level Severity, tags map[string]string, extra map[string]any, crumbs []Breadcrumb, id Identity, at time.Time) Event {
	e := base(KindException, id, at)
	e.EventID = NewID()
	e.Level = level
	e.Exception = exc
	e.Tags = tags
	e.Extra = extra
	e.Breadcrumbs = crumbs
	return e
}

// NewMessage builds a diagnostic event for a plain log message.
func NewMessage(msg string, level Severity, tags map[string]string, extra map[string]any, crumbs []Breadcrumb, id Identity, at time.Time) Event {
	e := base(KindMessage, id, at)
	e.EventID = NewID()
	e.Name = msg
	e.Level = level
	e.Tags = tags
	e.Extra = extra
	e.Breadcrumbs = crumbs
	return e
}
