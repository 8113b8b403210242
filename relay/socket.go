package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second
	responseTimeout  = 30 * time.Second

	socketReadLimit = 1 * 1024 * 1024
)

var errResponseTimeout = fmt.Errorf("timed out waiting for server response")

// wsConn is the subset of *websocket.Conn the socket uses. Narrowed for
// testability.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Socket wire messages.

type helloMessage struct {
	Op    string `json:"op"`
	Token string `json:"token"`
}

type joinMessage struct {
	Op     string `json:"op"`
	Cid    string `json:"cid"`
	Target string `json:"target"`
	Kind   string `json:"kind"`
}

type leaveMessage struct {
	Op        string `json:"op"`
	Cid       string `json:"cid"`
	ChannelID string `json:"channelId"`
}

type sendMessage struct {
	Op        string          `json:"op"`
	Cid       string          `json:"cid"`
	ChannelID string          `json:"channelId"`
	Content   json.RawMessage `json:"content"`
}

type ackChannel struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Presences []PresenceEntry `json:"presences"`
}

type ackMessage struct {
	Op      string      `json:"op"`
	Cid     string      `json:"cid"`
	Message string      `json:"message"`
	Channel *ackChannel `json:"channel"`
}

type presenceMessage struct {
	Op        string          `json:"op"`
	ChannelID string          `json:"channelId"`
	Joins     []PresenceEntry `json:"joins"`
	Leaves    []PresenceEntry `json:"leaves"`
}

// JoinResult is the outcome of a channel join: the handle plus the
// join-time presence snapshot.
type JoinResult struct {
	Channel  ChannelHandle
	Snapshot []PresenceEntry
}

// Socket is the realtime connection to the backend. It carries the two
// push streams (messages, presence) and the channel commands
// (join/leave/send) with request-id correlation.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames; a
// single run loop routes them: command responses to their waiting
// callers by cid, pushes to the per-channel subscriber registries. The
// run loop also owns the heartbeat. Commands write from the caller's
// goroutine behind writeMu.
type Socket struct {
	logger *slog.Logger
	conn   wsConn

	writeMu sync.Mutex

	cidCounter atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan ackMessage

	subsMu   sync.Mutex
	msgSubs  map[string]*registry[Message]
	presSubs map[string]*registry[PresenceDiff]

	disconnects registry[error]

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	closing   atomic.Bool
}

// DialSocket connects to the backend's realtime endpoint and
// authenticates the connection with the session token. On success the
// socket's read loop is running; callers stop it with Close.
func DialSocket(ctx context.Context, baseURL string, session *Session, logger *slog.Logger) (*Socket, error) {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{"ember-client"}},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	conn.SetReadLimit(socketReadLimit)

	s := newSocket(conn, logger)
	s.touchLastMessage()

	if err := s.writeJSON(ctx, helloMessage{Op: "hello", Token: session.Token}); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	// Read the auth ack directly; the run loop is not started yet.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "auth read failed")
		return nil, fmt.Errorf("reading auth response: %w", err)
	}
	var ack ackMessage
	if err := json.Unmarshal(data, &ack); err != nil || ack.Op != "ack" {
		conn.Close(websocket.StatusNormalClosure, "auth failed")
		if err != nil {
			return nil, fmt.Errorf("decoding auth response: %w", err)
		}
		return nil, fmt.Errorf("auth failed: %s", ack.Message)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx)

	return s, nil
}

func newSocket(conn wsConn, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		logger:   logger,
		conn:     conn,
		pending:  make(map[string]chan ackMessage),
		msgSubs:  make(map[string]*registry[Message]),
		presSubs: make(map[string]*registry[PresenceDiff]),
		done:     make(chan struct{}),
	}
}

// Close tears the connection down. Idempotent. Pending commands fail
// with a closed-connection error; subscribers are not notified beyond
// the disconnect handlers.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		err = s.conn.Close(websocket.StatusNormalClosure, "client close")
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
	return err
}

// OnDisconnect registers a handler invoked once when the connection is
// lost for any reason other than Close.
func (s *Socket) OnDisconnect(fn func(error)) *Subscription {
	return s.disconnects.subscribe(fn)
}

// Join joins the target channel and returns its handle plus the
// presence snapshot the server includes in the ack.
func (s *Socket) Join(ctx context.Context, target string, kind ChannelKind) (*JoinResult, error) {
	cid := s.nextCid()
	ack, err := s.request(ctx, cid, joinMessage{Op: "channel_join", Cid: cid, Target: target, Kind: string(kind)})
	if err != nil {
		return nil, fmt.Errorf("joining channel %q: %w", target, err)
	}
	if ack.Channel == nil {
		return nil, fmt.Errorf("joining channel %q: ack missing channel", target)
	}

	return &JoinResult{
		Channel:  ChannelHandle{ID: ack.Channel.ID, Kind: kind, Name: ack.Channel.Name},
		Snapshot: ack.Channel.Presences,
	}, nil
}

// Leave leaves the channel. Leaving a channel the session is not in is
// not an error server-side.
func (s *Socket) Leave(ctx context.Context, channelID string) error {
	cid := s.nextCid()
	if _, err := s.request(ctx, cid, leaveMessage{Op: "channel_leave", Cid: cid, ChannelID: channelID}); err != nil {
		return fmt.Errorf("leaving channel: %w", err)
	}
	return nil
}

// SendMessage sends an encoded content payload to the channel. The sent
// message is not echoed back by this call; it arrives through the
// message push stream like any other.
func (s *Socket) SendMessage(ctx context.Context, channelID string, content []byte) error {
	cid := s.nextCid()
	if _, err := s.request(ctx, cid, sendMessage{Op: "message_send", Cid: cid, ChannelID: channelID, Content: content}); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SubscribeMessages registers a handler for message pushes scoped to
// channelID.
func (s *Socket) SubscribeMessages(channelID string, fn func(Message)) *Subscription {
	s.subsMu.Lock()
	reg := s.msgSubs[channelID]
	if reg == nil {
		reg = &registry[Message]{}
		s.msgSubs[channelID] = reg
	}
	s.subsMu.Unlock()
	return reg.subscribe(fn)
}

// SubscribePresence registers a handler for presence pushes scoped to
// channelID.
func (s *Socket) SubscribePresence(channelID string, fn func(PresenceDiff)) *Subscription {
	s.subsMu.Lock()
	reg := s.presSubs[channelID]
	if reg == nil {
		reg = &registry[PresenceDiff]{}
		s.presSubs[channelID] = reg
	}
	s.subsMu.Unlock()
	return reg.subscribe(fn)
}

func (s *Socket) nextCid() string {
	return strconv.FormatInt(s.cidCounter.Add(1), 10)
}

// request writes a command and blocks until its ack arrives, the
// context ends, or the response timeout fires.
func (s *Socket) request(ctx context.Context, cid string, payload interface{}) (ackMessage, error) {
	ch := make(chan ackMessage, 1)
	s.pendingMu.Lock()
	s.pending[cid] = ch
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, cid)
		s.pendingMu.Unlock()
	}()

	if err := s.writeJSON(ctx, payload); err != nil {
		return ackMessage{}, err
	}

	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ch:
		if !ok {
			return ackMessage{}, fmt.Errorf("connection closed")
		}
		if ack.Op == "error" {
			return ackMessage{}, fmt.Errorf("server error: %s", ack.Message)
		}
		return ack, nil
	case <-timer.C:
		return ackMessage{}, errResponseTimeout
	case <-ctx.Done():
		return ackMessage{}, ctx.Err()
	case <-s.done:
		return ackMessage{}, fmt.Errorf("connection closed")
	}
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds the returned channel. The error is delivered as the final
// message.
func (s *Socket) startReader(ctx context.Context) <-chan inboundMsg {
	ch := make(chan inboundMsg, 64)
	go func() {
		for {
			typ, data, err := s.conn.Read(ctx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// run is the socket's event loop: routes inbound frames and drives the
// heartbeat. Exits on read error or cancellation.
func (s *Socket) run(ctx context.Context) {
	defer close(s.done)

	inbound := s.startReader(ctx)

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				s.finish(msg.err)
				return
			}
			s.touchLastMessage()
			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}
			s.route(msg.data)

		case <-ticker.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("connection timed out, closing")
				s.conn.Close(websocket.StatusGoingAway, "timeout")
				s.finish(fmt.Errorf("heartbeat timeout"))
				return
			}
			if elapsed > pingAfter {
				if err := s.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					s.finish(fmt.Errorf("sending ping: %w", err))
					return
				}
			}

		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		}
	}
}

// finish fails pending commands and fires disconnect handlers when the
// close was not requested by the client.
func (s *Socket) finish(err error) {
	s.pendingMu.Lock()
	for cid, ch := range s.pending {
		close(ch)
		delete(s.pending, cid)
	}
	s.pendingMu.Unlock()

	if !s.closing.Load() {
		s.logger.Warn("socket disconnected", slog.String("error", err.Error()))
		s.disconnects.emit(err)
	}
}

// route dispatches one inbound text frame.
func (s *Socket) route(data []byte) {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "pong":
		return

	case "ack", "error":
		var ack ackMessage
		if err := json.Unmarshal(data, &ack); err != nil {
			s.logger.Warn("failed to decode ack", slog.String("error", err.Error()))
			return
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[ack.Cid]
		if ok {
			delete(s.pending, ack.Cid)
		}
		s.pendingMu.Unlock()
		if ok {
			ch <- ack
		} else {
			s.logger.Debug("ack for unknown cid", slog.String("cid", ack.Cid))
		}

	case "message":
		var wm wireMessage
		if err := json.Unmarshal(data, &wm); err != nil {
			s.logger.Warn("failed to decode message push", slog.String("error", err.Error()))
			return
		}
		m, err := decodeWireMessage(wm)
		if err != nil {
			s.logger.Warn("skipping undecodable message push",
				slog.String("message_id", wm.MessageID),
				slog.String("error", err.Error()),
			)
			return
		}
		s.subsMu.Lock()
		reg := s.msgSubs[m.ChannelID]
		s.subsMu.Unlock()
		if reg != nil {
			reg.emit(m)
		}

	case "presence":
		var pm presenceMessage
		if err := json.Unmarshal(data, &pm); err != nil {
			s.logger.Warn("failed to decode presence push", slog.String("error", err.Error()))
			return
		}
		s.subsMu.Lock()
		reg := s.presSubs[pm.ChannelID]
		s.subsMu.Unlock()
		if reg != nil {
			reg.emit(PresenceDiff{ChannelID: pm.ChannelID, Joins: pm.Joins, Leaves: pm.Leaves})
		}

	default:
		s.logger.Debug("unexpected message op", slog.String("op", op))
	}
}

func (s *Socket) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

// writeJSON marshals v and writes it as a text frame. Serialized behind
// writeMu because commands write from caller goroutines while the run
// loop writes pings.
func (s *Socket) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}
