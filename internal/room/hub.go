package room

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/commune/internal/generator"
	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
	"github.com/MarcoPoloResearchLab/commune/internal/realtime"
)

var (
	// ErrInvalidRoomID indicates a room identifier outside [A-Za-z0-9._-]{1,64}.
	ErrInvalidRoomID = errors.New("room: invalid room identifier")
	// ErrHubClosed indicates that the hub's context has ended.
	ErrHubClosed = errors.New("room: hub closed")

	roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
)

// HubConfig holds the collaborators shared by every room.
type HubConfig struct {
	Store         proposals.Store
	Generator     generator.Generator
	Dispatcher    *realtime.Dispatcher
	Receipts      ReceiptVerifier
	DefaultFiles  func() proposals.FileSet
	VotesNeeded   int
	RebaseTimeout time.Duration
	StoreTimeout  time.Duration
	Logger        *zap.Logger
}

// Hub starts one Coordinator per room identifier on first use.
type Hub struct {
	ctx    context.Context
	config HubConfig
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]*Coordinator
	wg    sync.WaitGroup
}

// NewHub builds a hub whose rooms run until ctx ends.
func NewHub(ctx context.Context, cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Generator == nil {
		return nil, errMissingGenerator
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Logger = logger
	return &Hub{
		ctx:    ctx,
		config: cfg,
		logger: logger,
		rooms:  make(map[string]*Coordinator),
	}, nil
}

// NormalizeRoomID trims and validates a room identifier.
func NormalizeRoomID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if !roomIDPattern.MatchString(trimmed) {
		return "", ErrInvalidRoomID
	}
	return trimmed, nil
}

// Room returns the coordinator for roomID, starting it if needed.
func (h *Hub) Room(roomID string) (*Coordinator, error) {
	normalized, err := NormalizeRoomID(roomID)
	if err != nil {
		return nil, err
	}
	if h.ctx.Err() != nil {
		return nil, ErrHubClosed
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if coordinator, ok := h.rooms[normalized]; ok {
		return coordinator, nil
	}
	coordinator, err := NewCoordinator(Config{
		RoomID:        normalized,
		Store:         h.config.Store,
		Generator:     h.config.Generator,
		Dispatcher:    h.config.Dispatcher,
		Receipts:      h.config.Receipts,
		DefaultFiles:  h.config.DefaultFiles,
		VotesNeeded:   h.config.VotesNeeded,
		RebaseTimeout: h.config.RebaseTimeout,
		StoreTimeout:  h.config.StoreTimeout,
		Logger:        h.config.Logger,
	})
	if err != nil {
		return nil, err
	}
	h.rooms[normalized] = coordinator
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		coordinator.Run(h.ctx)
	}()
	h.logger.Info("room started", zap.String("room_id", normalized))
	return coordinator, nil
}

// Rooms lists the started room identifiers.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	identifiers := make([]string, 0, len(h.rooms))
	for identifier := range h.rooms {
		identifiers = append(identifiers, identifier)
	}
	sort.Strings(identifiers)
	return identifiers
}

// Wait blocks until every started room has stopped.
func (h *Hub) Wait() {
	h.wg.Wait()
}
