package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/commune/internal/presence"
	"github.com/MarcoPoloResearchLab/commune/internal/realtime"
	"github.com/MarcoPoloResearchLab/commune/internal/room"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketReadLimit    = 8 << 20
	socketPingInterval = 30 * time.Second
	socketReadTimeout  = 60 * time.Second
	socketWriteTimeout = 10 * time.Second
)

// frameHandler consumes one inbound text frame.
type frameHandler func(ctx context.Context, frame []byte)

func (h *httpHandler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
}

// checkOrigin accepts non-browser clients and browsers from an allowed origin.
func (h *httpHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 || containsWildcard(h.allowedOrigins) {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), parsed.Scheme+"://"+parsed.Host) {
			return true
		}
	}
	return false
}

func (h *httpHandler) handleRoomSocket(c *gin.Context) {
	coordinator, roomID, ok := h.resolveRoom(c, "")
	if !ok {
		return
	}
	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}

	connectionID := uuid.NewString()
	logger := h.logger.With(zap.String("room_id", roomID), zap.String("connection_id", connectionID))
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	subscription, unsubscribe, err := coordinator.Connect(ctx, connectionID)
	if err != nil {
		logger.Warn("room connect failed", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable"),
			time.Now().Add(socketWriteTimeout))
		_ = conn.Close()
		return
	}
	defer unsubscribe()

	logger.Info("room connection opened")
	serveSocket(ctx, conn, subscription, func(frameCtx context.Context, frame []byte) {
		if err := coordinator.HandleFrame(frameCtx, connectionID, frame); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("room frame rejected", zap.Error(err))
		}
	}, logger)
	logger.Info("room connection closed")
}

func (h *httpHandler) handleCursorSocket(c *gin.Context) {
	roomID, err := room.NormalizeRoomID(c.Param(roomParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room"})
		return
	}
	country := presence.CountryFromHeaders(c.Request.Header)
	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}

	connectionID := uuid.NewString()
	logger := h.logger.With(zap.String("cursor_room_id", roomID), zap.String("connection_id", connectionID))
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	subscription, leave := h.presence.Join(ctx, roomID, connectionID, country)
	defer leave()

	serveSocket(ctx, conn, subscription, func(_ context.Context, frame []byte) {
		h.presence.HandleFrame(roomID, connectionID, frame)
	}, logger)
}

// serveSocket pumps subscription frames to conn and inbound frames to
// handle until either side stops. A dropped subscription closes the socket
// so the client reconnects and receives a fresh state.
func serveSocket(ctx context.Context, conn *websocket.Conn, subscription realtime.Subscription, handle frameHandler, logger *zap.Logger) {
	defer conn.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(socketReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
		})
		for {
			messageType, frame, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("websocket read ended", zap.Error(err))
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
			handle(ctx, frame)
		}
	}()

	ticker := time.NewTicker(socketPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			writeClose(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-readDone:
			return
		case <-subscription.Dropped:
			logger.Warn("websocket consumer too slow, disconnecting")
			writeClose(conn, websocket.CloseTryAgainLater, "resync required")
			return
		case frame, ok := <-subscription.Stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteTimeout)); err != nil {
				logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(socketWriteTimeout))
}
