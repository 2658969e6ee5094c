// Package presence shares ephemeral cursor positions between the connections of a room.
package presence

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/commune/internal/realtime"
)

const (
	// UnknownCountry is reported when no country header is present.
	UnknownCountry = "UN"

	headerCloudflareCountry = "CF-IPCountry"
	headerCountry           = "X-Country"
	topicPrefix             = "cursors:"
	minCoordinate           = 0.0
	maxCoordinate           = 100.0
)

// Position is a cursor location in percent of the page.
type Position struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type updateFrame struct {
	Type    string  `json:"type"`
	ID      string  `json:"id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Country string  `json:"country"`
}

type removeFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Tracker relays cursor updates. Nothing is persisted.
type Tracker struct {
	dispatcher *realtime.Dispatcher
	logger     *zap.Logger

	mu      sync.RWMutex
	members map[string]map[string]string
}

// NewTracker builds a tracker publishing through dispatcher.
func NewTracker(dispatcher *realtime.Dispatcher, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		dispatcher: dispatcher,
		logger:     logger,
		members:    make(map[string]map[string]string),
	}
}

// CountryFromHeaders picks the visitor country from proxy headers.
func CountryFromHeaders(header http.Header) string {
	for _, name := range []string{headerCloudflareCountry, headerCountry} {
		value := strings.ToUpper(strings.TrimSpace(header.Get(name)))
		if len(value) == 2 {
			return value
		}
	}
	return UnknownCountry
}

// Join registers a connection. The returned cleanup leaves the room and
// tells the remaining connections to drop the cursor.
func (t *Tracker) Join(ctx context.Context, roomID string, connectionID string, country string) (realtime.Subscription, func()) {
	topic := topicPrefix + roomID
	subscription, unsubscribe := t.dispatcher.Subscribe(ctx, topic, connectionID)

	t.mu.Lock()
	if _, ok := t.members[roomID]; !ok {
		t.members[roomID] = make(map[string]string)
	}
	t.members[roomID][connectionID] = country
	t.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			unsubscribe()
			t.leave(roomID, connectionID)
		})
	}
	return subscription, cleanup
}

// HandleFrame broadcasts a position update to every other connection in
// the room. Malformed frames and unknown connections are ignored.
func (t *Tracker) HandleFrame(roomID string, connectionID string, frame []byte) {
	t.mu.RLock()
	country, ok := t.members[roomID][connectionID]
	t.mu.RUnlock()
	if !ok {
		return
	}

	var position Position
	if err := json.Unmarshal(frame, &position); err != nil {
		t.logger.Debug("dropping cursor frame", zap.String("connection_id", connectionID), zap.Error(err))
		return
	}
	x, okX := clamp(position.X)
	y, okY := clamp(position.Y)
	if !okX || !okY {
		return
	}

	encoded, err := json.Marshal(updateFrame{Type: "update", ID: connectionID, X: x, Y: y, Country: country})
	if err != nil {
		return
	}
	t.dispatcher.Publish(topicPrefix+roomID, encoded, connectionID)
}

// Members returns the number of connections in a room.
func (t *Tracker) Members(roomID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members[roomID])
}

func (t *Tracker) leave(roomID string, connectionID string) {
	t.mu.Lock()
	if members := t.members[roomID]; members != nil {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(t.members, roomID)
		}
	}
	t.mu.Unlock()

	encoded, err := json.Marshal(removeFrame{Type: "remove", ID: connectionID})
	if err != nil {
		return
	}
	t.dispatcher.Publish(topicPrefix+roomID, encoded)
}

func clamp(value *float64) (float64, bool) {
	if value == nil || math.IsNaN(*value) || math.IsInf(*value, 0) {
		return 0, false
	}
	return math.Min(maxCoordinate, math.Max(minCoordinate, *value)), true
}
