package event

import (
	"encoding/json"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testIdentity = Identity{
	AnonymousID: "anon-1",
	UserID:      "user-1",
	SessionID:   "sess-1",
}

var testTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestNewTrack_CarriesIdentityAndProperties(t *testing.T) {
	e := NewTrack("checkout_started", map[string]any{"plan": "pro"}, testIdentity, testTime)

	assert.Equal(t, KindTrack, e.Kind)
	assert.Equal(t, "checkout_started", e.Name)
	assert.Equal(t, "anon-1", e.AnonymousID)
	assert.Equal(t, "user-1", e.UserID)
	assert.Equal(t, "sess-1", e.SessionID)
	assert.Equal(t, testTime, e.Timestamp)
	assert.Equal(t, "pro", e.Properties["plan"])
}

func TestNewGroup_IncludesGroupKey(t *testing.T) {
	e := NewGroup("company", "acme", nil, testIdentity, testTime)

	assert.Equal(t, KindGroup, e.Kind)
	assert.Equal(t, "company", e.Name)
	assert.Equal(t, "acme", e.Properties["groupKey"])
}

func TestNewGroup_DoesNotMutateCallerProperties(t *testing.T) {
	props := map[string]any{"plan": "pro"}
	e := NewGroup("company", "acme", props, testIdentity, testTime)

	assert.NotContains(t, props, "groupKey")
	assert.Equal(t, "acme", e.Properties["groupKey"])
	assert.Equal(t, "pro", e.Properties["plan"])
}

func TestNewException_AssignsRandomHexID(t *testing.T) {
	exc := &Exception{Type: "TypeError", Message: "nil deref"}
	e := NewException(exc, SeverityError, nil, nil, nil, testIdentity, testTime)

	assert.Equal(t, KindException, e.Kind)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), e.EventID)
	assert.Equal(t, SeverityError, e.Level)
	assert.Same(t, exc, e.Exception)
}

func TestNewID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.Len(t, id, 32)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestSampleable_Classification(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindPage, true},
		{KindTrack, true},
		{KindGroup, true},
		{KindIdentify, false},
		{KindAlias, false},
		{KindException, false},
		{KindMessage, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Event{Kind: tc.kind}.Sampleable(), "kind %s", tc.kind)
	}
}

func TestIsDiagnostic(t *testing.T) {
	assert.True(t, Event{Kind: KindException}.IsDiagnostic())
	assert.True(t, Event{Kind: KindMessage}.IsDiagnostic())
	assert.False(t, Event{Kind: KindTrack}.IsDiagnostic())
}

func TestEvent_JSONTimestampIsISO8601(t *testing.T) {
	e := NewTrack("t", nil, testIdentity, testTime)

	raw, err := json.Marshal(e)
	assert.NoError(t, err)
	assert.Contains(t, string(raw), `"timestamp":"2026-03-14T09:26:53Z"`)
}

func TestBreadcrumbRing_EvictsOldestAtCap(t *testing.T) {
	ring := &BreadcrumbRing{}
	for i := 0; i < MaxBreadcrumbs+10; i++ {
		ring.Add(Breadcrumb{Message: fmt.Sprintf("crumb-%d", i)})
	}

	crumbs := ring.Snapshot()
	assert.Len(t, crumbs, MaxBreadcrumbs)
	assert.Equal(t, "crumb-10", crumbs[0].Message)
	assert.Equal(t, fmt.Sprintf("crumb-%d", MaxBreadcrumbs+9), crumbs[len(crumbs)-1].Message)
}

func TestBreadcrumbRing_SnapshotIsACopy(t *testing.T) {
	ring := &BreadcrumbRing{}
	ring.Add(Breadcrumb{Message: "one"})

	snap := ring.Snapshot()
	snap[0].Message = "mutated"

	assert.Equal(t, "one", ring.Snapshot()[0].Message)
}

func TestBreadcrumbRing_Clear(t *testing.T) {
	ring := &BreadcrumbRing{}
	ring.Add(Breadcrumb{Message: "one"})
	ring.Clear()

	assert.Nil(t, ring.Snapshot())
}
