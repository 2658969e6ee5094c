package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
	"github.com/MarcoPoloResearchLab/commune/internal/room"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultMinBackoff       = time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("client: session not connected")

// SessionConfig describes one room connection. Mirror, Dialer, the backoff
// bounds, and Logger are optional.
type SessionConfig struct {
	ServerURL string
	Room      string
	Mirror    *Mirror
	Dialer    *websocket.Dialer
	// OnMessage observes every applied frame after the mirror is updated.
	OnMessage  func(message room.ServerMessage)
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *zap.Logger
}

// Session keeps a websocket to one room open, redialing with backoff, and
// folds every server frame into its Mirror.
type Session struct {
	socketURL  string
	mirror     *Mirror
	dialer     *websocket.Dialer
	onMessage  func(message room.ServerMessage)
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSession validates cfg and returns an unconnected Session; call Run to connect.
func NewSession(cfg SessionConfig) (*Session, error) {
	socketURL, err := roomSocketURL(cfg.ServerURL, cfg.Room)
	if err != nil {
		return nil, err
	}
	mirror := cfg.Mirror
	if mirror == nil {
		mirror = NewMirror()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = defaultMaxBackoff
		if maxBackoff < minBackoff {
			maxBackoff = minBackoff
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		socketURL:  socketURL,
		mirror:     mirror,
		dialer:     dialer,
		onMessage:  cfg.OnMessage,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		logger:     logger.With(zap.String("room_id", strings.TrimSpace(cfg.Room))),
	}, nil
}

// Mirror returns the room state the session keeps up to date.
func (s *Session) Mirror() *Mirror {
	return s.mirror
}

// Run keeps the session connected until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		connected, err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = s.minBackoff
		}
		s.logger.Warn("room connection lost", zap.Duration("retry_in", backoff), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = nextBackoff(backoff, s.maxBackoff)
	}
}

// Send writes one client frame on the open connection.
func (s *Session) Send(message room.ClientMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(message); err != nil {
		return fmt.Errorf("client: send %s: %w", message.Type, err)
	}
	return nil
}

// Sync asks the server to resend the full room state to this connection.
func (s *Session) Sync() error {
	return s.Send(room.ClientMessage{Type: room.TypeSync})
}

// Vote sends a vote intent. The mirror changes only when the broadcast arrives.
func (s *Session) Vote(proposalID string, userID string) error {
	return s.Send(room.ClientMessage{Type: room.TypeVote, ProposalID: proposalID, UserID: userID})
}

// Rollback sends a rollback intent for an approved proposal.
func (s *Session) Rollback(proposalID string, userID string) error {
	return s.Send(room.ClientMessage{Type: room.TypeRollback, ProposalID: proposalID, UserID: userID})
}

// Propose has the server build a proposal for prompt and then announces it
// to the room. The announcement is idempotent, so a closed connection only
// delays the broadcast until the next state snapshot.
func (s *Session) Propose(ctx context.Context, api *API, prompt string, userID string) (proposals.Proposal, error) {
	proposal, err := api.Propose(ctx, prompt, userID)
	if err != nil {
		return proposals.Proposal{}, err
	}
	announced := proposal.Clone()
	if err := s.Send(room.ClientMessage{Type: room.TypePropose, Proposal: &announced}); err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Warn("proposal announcement failed", zap.String("proposal_id", proposal.ID), zap.Error(err))
	}
	return proposal, nil
}

func (s *Session) connectOnce(ctx context.Context) (bool, error) {
	conn, response, err := s.dialer.DialContext(ctx, s.socketURL, nil)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("room connected", zap.String("url", s.socketURL))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		message, err := room.ParseServerMessage(frame)
		if err != nil {
			s.logger.Debug("dropping server frame", zap.Error(err))
			continue
		}
		if !s.mirror.Apply(message) {
			continue
		}
		if s.onMessage != nil {
			s.onMessage(message)
		}
	}
}

func nextBackoff(current time.Duration, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

func roomSocketURL(serverURL string, roomID string) (string, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return "", errMissingServerURL
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", errMissingRoom
	}
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("client: parse server url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported server url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/rooms/" + url.PathEscape(roomID) + "/ws"
	return parsed.String(), nil
}
