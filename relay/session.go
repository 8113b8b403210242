package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/embermsg/ember/internal/cache"
	emberrors "github.com/embermsg/ember/internal/errors"
)

// Authenticator is the account surface of the backend. Satisfied by
// *Client.
type Authenticator interface {
	AuthenticateDevice(ctx context.Context, id, username string, create bool) (*Session, error)
	UpdateAccount(ctx context.Context, s *Session, displayName string) error
}

// Realtime is the socket surface the manager drives. Satisfied by
// *Socket.
type Realtime interface {
	Join(ctx context.Context, target string, kind ChannelKind) (*JoinResult, error)
	Leave(ctx context.Context, channelID string) error
	SendMessage(ctx context.Context, channelID string, content []byte) error
	SubscribeMessages(channelID string, fn func(Message)) *Subscription
	SubscribePresence(channelID string, fn func(PresenceDiff)) *Subscription
	OnDisconnect(fn func(error)) *Subscription
	Close() error
}

// DialFunc opens a realtime connection for an authenticated session.
type DialFunc func(ctx context.Context, baseURL string, session *Session, logger *slog.Logger) (Realtime, error)

// accountUpdateTimeout bounds the background display name update.
const accountUpdateTimeout = 10 * time.Second

// Channel bundles everything alive for one joined conversation. The
// manager owns its lifecycle; callers read from it until LeaveChannel.
type Channel struct {
	Handle   ChannelHandle
	Roster   *Roster
	Timeline *Timeline

	subs []*Subscription
}

// ManagerConfig wires a Manager to its collaborators.
type ManagerConfig struct {
	BaseURL     string
	Auth        Authenticator
	History     HistorySource
	Attachments Attachments
	Cache       *cache.Store
	Logger      *slog.Logger

	// Dial defaults to DialSocket.
	Dial DialFunc
}

// Manager owns the session and the set of joined channels. Login and
// Logout bracket a session; between them JoinChannel and LeaveChannel
// manage conversations. All methods are safe for concurrent use.
type Manager struct {
	baseURL     string
	auth        Authenticator
	history     HistorySource
	attachments Attachments
	cache       *cache.Store
	logger      *slog.Logger
	dial        DialFunc

	// loginMu serializes whole login attempts so two concurrent calls
	// cannot both dial and leak the losing socket.
	loginMu sync.Mutex

	// bg tracks the best-effort display name update; Logout waits on it.
	bg sync.WaitGroup

	mu       sync.Mutex
	session  *Session
	socket   Realtime
	channels map[string]*Channel
}

// NewManager creates a manager with no active session.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, baseURL string, session *Session, logger *slog.Logger) (Realtime, error) {
			return DialSocket(ctx, baseURL, session, logger)
		}
	}
	return &Manager{
		baseURL:     cfg.BaseURL,
		auth:        cfg.Auth,
		history:     cfg.History,
		attachments: cfg.Attachments,
		cache:       cfg.Cache,
		logger:      logger,
		dial:        dial,
		channels:    make(map[string]*Channel),
	}
}

// Login authenticates as displayName and opens the realtime connection.
//
// A fresh device id is generated for every call, so the first
// authentication attempt registers a new account (create=true). If the
// backend rejects that, one retry without account creation is made with
// the same id. Both failing is ErrAuthenticationFailed; there is no
// third attempt. The display name on the account is brought in line
// with displayName asynchronously and best-effort after authentication
// succeeds; a failure there is logged, never surfaced.
func (m *Manager) Login(ctx context.Context, displayName string) (*Session, error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	m.mu.Lock()
	if m.session.Active() {
		s := m.session
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	id := deviceID(displayName, time.Now())

	session, err := m.auth.AuthenticateDevice(ctx, id, displayName, true)
	if err != nil {
		m.logger.Debug("authentication with account creation failed, retrying without",
			slog.String("error", err.Error()),
		)
		session, err = m.auth.AuthenticateDevice(ctx, id, displayName, false)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", emberrors.ErrAuthenticationFailed, err)
	}

	// The display name on the account may lag the requested one when the
	// device id collided with an existing account. Not fatal, and not
	// worth a round-trip before login returns.
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), accountUpdateTimeout)
		defer cancel()
		if err := m.auth.UpdateAccount(ctx, session, displayName); err != nil {
			m.logger.Warn("updating account display name failed",
				slog.String("error", err.Error()),
			)
		}
	}()

	socket, err := m.dial(ctx, m.baseURL, session, m.logger)
	if err != nil {
		return nil, fmt.Errorf("opening realtime connection: %w", err)
	}
	socket.OnDisconnect(func(err error) {
		m.logger.Warn("realtime connection lost",
			slog.String("error", err.Error()),
		)
	})

	m.mu.Lock()
	m.session = session
	m.socket = socket
	m.mu.Unlock()

	m.logger.Info("logged in",
		slog.String("user_id", session.UserID),
		slog.String("username", session.Username),
	)
	return session, nil
}

// Session returns the current session, or nil when logged out.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// JoinChannel joins target and brings up its roster and timeline. The
// roster is seeded from the join snapshot and both are subscribed to the
// push stream before this returns, so no event between join and first
// read is lost. Joining an already-joined channel returns the existing
// Channel.
func (m *Manager) JoinChannel(ctx context.Context, target string, kind ChannelKind) (*Channel, error) {
	m.mu.Lock()
	if !m.session.Active() {
		m.mu.Unlock()
		return nil, emberrors.ErrNotAuthenticated
	}
	session := m.session
	socket := m.socket
	for _, ch := range m.channels {
		if ch.Handle.Name == target || ch.Handle.ID == target {
			m.mu.Unlock()
			return ch, nil
		}
	}
	m.mu.Unlock()

	result, err := socket.Join(ctx, target, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", emberrors.ErrChannelJoinFailed, err)
	}

	roster := NewRoster(session.UserID)
	roster.ApplySnapshot(result.Snapshot)

	timeline := NewTimeline(TimelineConfig{
		Session:     session,
		Channel:     result.Channel,
		History:     m.history,
		Sender:      socket,
		Attachments: m.attachments,
		Cache:       m.cache,
		Logger:      m.logger,
	})

	ch := &Channel{
		Handle:   result.Channel,
		Roster:   roster,
		Timeline: timeline,
	}
	ch.subs = append(ch.subs,
		socket.SubscribeMessages(result.Channel.ID, timeline.HandlePush),
		socket.SubscribePresence(result.Channel.ID, roster.ApplyDiff),
	)

	m.mu.Lock()
	m.channels[result.Channel.ID] = ch
	m.mu.Unlock()

	m.logger.Info("joined channel",
		slog.String("channel_id", result.Channel.ID),
		slog.String("channel", result.Channel.Name),
		slog.String("kind", string(result.Channel.Kind)),
	)
	return ch, nil
}

// Channel returns the joined channel with the given id.
func (m *Manager) Channel(id string) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, emberrors.ErrNotInChannel
	}
	return ch, nil
}

// LeaveChannel leaves the channel and tears down its roster and
// timeline. Leaving a channel that is not joined is a no-op.
func (m *Manager) LeaveChannel(ctx context.Context, channelID string) error {
	m.mu.Lock()
	ch, ok := m.channels[channelID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.channels, channelID)
	socket := m.socket
	m.mu.Unlock()

	m.teardown(ch)

	if err := socket.Leave(ctx, channelID); err != nil {
		return fmt.Errorf("leaving channel %s: %w", channelID, err)
	}
	m.logger.Info("left channel", slog.String("channel_id", channelID))
	return nil
}

// Logout leaves all channels, closes the realtime connection, and
// discards the session. Idempotent. Any in-flight display name update
// is waited out first so it cannot race the session teardown.
func (m *Manager) Logout(ctx context.Context) error {
	m.bg.Wait()

	m.mu.Lock()
	channels := m.channels
	socket := m.socket
	m.channels = make(map[string]*Channel)
	m.session = nil
	m.socket = nil
	m.mu.Unlock()

	for id, ch := range channels {
		m.teardown(ch)
		if socket != nil {
			if err := socket.Leave(ctx, id); err != nil {
				m.logger.Warn("leaving channel on logout failed",
					slog.String("channel_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if socket != nil {
		if err := socket.Close(); err != nil {
			return fmt.Errorf("closing realtime connection: %w", err)
		}
	}
	m.logger.Info("logged out")
	return nil
}

func (m *Manager) teardown(ch *Channel) {
	for _, sub := range ch.subs {
		sub.Cancel()
	}
	ch.Timeline.Close()
}
