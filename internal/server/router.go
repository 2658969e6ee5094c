package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/commune/internal/generator"
	"github.com/MarcoPoloResearchLab/commune/internal/presence"
	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
	"github.com/MarcoPoloResearchLab/commune/internal/room"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const roomParam = "room"

var (
	errMissingRooms     = errors.New("room registry dependency required")
	errMissingPresence  = errors.New("presence tracker dependency required")
	errMissingGenerator = errors.New("generator dependency required")
	errMissingStore     = errors.New("proposal store dependency required")
	errMissingIDs       = errors.New("id provider dependency required")
)

// RoomRegistry resolves room coordinators by identifier.
type RoomRegistry interface {
	Room(roomID string) (*room.Coordinator, error)
}

// ReceiptIssuer signs proposals built by the propose endpoint.
type ReceiptIssuer interface {
	Issue(proposal proposals.Proposal) (string, error)
}

type Dependencies struct {
	Rooms     RoomRegistry
	Presence  *presence.Tracker
	Generator generator.Generator
	Store     proposals.Store
	IDs       proposals.IDProvider
	// Receipts is optional; nil leaves proposals unsigned.
	Receipts       ReceiptIssuer
	DefaultRoomID  string
	DefaultFiles   func() proposals.FileSet
	VotesNeeded    int
	AllowedOrigins []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Generator == nil {
		return nil, errMissingGenerator
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.IDs == nil {
		return nil, errMissingIDs
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	defaultFiles := deps.DefaultFiles
	if defaultFiles == nil {
		defaultFiles = proposals.DefaultFiles
	}
	defaultRoomID := strings.TrimSpace(deps.DefaultRoomID)
	if defaultRoomID == "" {
		defaultRoomID = proposals.DefaultRoomID
	}
	votesNeeded := deps.VotesNeeded
	if votesNeeded <= 0 {
		votesNeeded = proposals.DefaultVotesNeeded
	}

	handler := &httpHandler{
		rooms:          deps.Rooms,
		presence:       deps.Presence,
		generator:      deps.Generator,
		store:          deps.Store,
		ids:            deps.IDs,
		receipts:       deps.Receipts,
		defaultRoomID:  defaultRoomID,
		defaultFiles:   defaultFiles,
		votesNeeded:    votesNeeded,
		allowedOrigins: deps.AllowedOrigins,
		clock:          clock,
		logger:         logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleHealth)
	router.GET("/rooms/:room/ws", handler.handleRoomSocket)
	router.GET("/cursors/:room/ws", handler.handleCursorSocket)

	api := router.Group("/api")
	api.POST("/propose", handler.handlePropose)
	api.POST("/vote", handler.handleVote)
	api.POST("/rollback", handler.handleRollback)
	api.GET("/state", handler.handleState)
	api.GET("/proposals/:id", handler.handleGetProposal)
	api.GET("/approved", handler.handleListApproved)

	return router, nil
}

type httpHandler struct {
	rooms          RoomRegistry
	presence       *presence.Tracker
	generator      generator.Generator
	store          proposals.Store
	ids            proposals.IDProvider
	receipts       ReceiptIssuer
	defaultRoomID  string
	defaultFiles   func() proposals.FileSet
	votesNeeded    int
	allowedOrigins []string
	clock          func() time.Time
	logger         *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Origin"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// resolveRoom picks the room from the path, then the query, then the request body.
func (h *httpHandler) resolveRoom(c *gin.Context, bodyRoom string) (*room.Coordinator, string, bool) {
	roomID := c.Param(roomParam)
	if roomID == "" {
		roomID = c.Query(roomParam)
	}
	if roomID == "" {
		roomID = bodyRoom
	}
	if strings.TrimSpace(roomID) == "" {
		roomID = h.defaultRoomID
	}
	coordinator, err := h.rooms.Room(roomID)
	if err != nil {
		if errors.Is(err, room.ErrInvalidRoomID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room"})
			return nil, "", false
		}
		h.logger.Error("failed to resolve room", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room_unavailable"})
		return nil, "", false
	}
	return coordinator, coordinator.RoomID(), true
}

func (h *httpHandler) respondRoomError(c *gin.Context, roomID string, err error) {
	h.logger.Warn("room request failed", zap.String("room_id", roomID), zap.Error(err))
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room_unavailable"})
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if strings.TrimSpace(value) == "*" {
			return true
		}
	}
	return false
}
