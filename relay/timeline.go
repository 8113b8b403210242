package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/embermsg/ember/internal/cache"
	emberrors "github.com/embermsg/ember/internal/errors"
)

// resolveParallelism bounds concurrent attachment downloads during page
// loads.
const resolveParallelism = 4

// nowFunc is swapped in tests that assert on sent content timestamps.
var nowFunc = time.Now

// HistorySource fetches paginated channel history. Satisfied by *Client.
type HistorySource interface {
	ListChannelMessages(ctx context.Context, s *Session, channelID string, limit int, cursor string) (*MessagePage, error)
}

// MessageSender delivers outbound content to a channel. Satisfied by
// *Socket.
type MessageSender interface {
	SendMessage(ctx context.Context, channelID string, content []byte) error
}

// Attachments is the resolver surface the timeline drives. Satisfied by
// *Resolver.
type Attachments interface {
	Upload(ctx context.Context, s *Session, data []byte, contentType, fileName string) (AttachmentRef, error)
	Resolve(ctx context.Context, s *Session, m *Message)
}

type timelineState int

const (
	stateUninitialized timelineState = iota
	stateLoading
	stateReady
)

// TimelineConfig wires a Timeline to its collaborators.
type TimelineConfig struct {
	Session     *Session
	Channel     ChannelHandle
	History     HistorySource
	Sender      MessageSender
	Attachments Attachments
	Cache       *cache.Store
	Logger      *slog.Logger
}

// Timeline merges push events, paginated fetches, and cache reads into
// one ordered, de-duplicated message sequence for a single channel.
//
// All mutations are serialized behind one mutex: push delivery and
// pagination completions may arrive on different goroutines. There is
// no terminal failure state: failed operations return to Ready with
// the error surfaced and the existing timeline preserved.
type Timeline struct {
	session     *Session
	channel     ChannelHandle
	history     HistorySource
	sender      MessageSender
	attachments Attachments
	cache       *cache.Store
	logger      *slog.Logger

	mu          sync.Mutex
	state       timelineState
	messages    []Message
	ids         map[string]struct{}
	cursor      string
	hasMore     bool
	loadingMore bool

	// cacheOnly is set when the initial server fetch failed and the
	// cache became authoritative for this session. No later merge with
	// server history is attempted.
	cacheOnly bool

	closed bool

	subs registry[TimelineEvent]
}

// NewTimeline creates a timeline for cfg.Channel. It performs no I/O;
// call InitialLoad to populate it.
func NewTimeline(cfg TimelineConfig) *Timeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Timeline{
		session:     cfg.Session,
		channel:     cfg.Channel,
		history:     cfg.History,
		sender:      cfg.Sender,
		attachments: cfg.Attachments,
		cache:       cfg.Cache,
		logger:      logger,
		ids:         make(map[string]struct{}),
	}
}

// InitialLoad populates the timeline: server first, cache fallback.
//
// On a successful fetch every message is written through to the cache
// and the backward cursor is recorded. When the fetch fails, for any
// reason, the cache's content becomes the timeline for the rest of the
// session. Both paths empty yields an empty timeline, not an error.
func (t *Timeline) InitialLoad(ctx context.Context, limit int) ([]Message, error) {
	t.mu.Lock()
	if t.state == stateLoading {
		t.mu.Unlock()
		return nil, fmt.Errorf("initial load already in progress")
	}
	t.state = stateLoading
	t.mu.Unlock()

	page, err := t.history.ListChannelMessages(ctx, t.session, t.channel.ID, limit, "")
	if err != nil {
		t.logger.Warn("history fetch failed, falling back to cache",
			slog.String("channel_id", t.channel.ID),
			slog.String("error", err.Error()),
		)
		return t.finishInitialFromCache()
	}

	t.resolvePage(ctx, page.Messages)

	t.mu.Lock()
	// Pushes may have landed while the fetch was in flight; they are
	// newer than anything in the page, so they stay appended after it.
	pushed := t.messages
	t.messages = nil
	t.ids = make(map[string]struct{})
	for _, m := range page.Messages {
		t.insertLocked(m)
	}
	for _, m := range pushed {
		t.insertLocked(m)
	}
	t.cursor = page.NextCursor
	t.hasMore = page.NextCursor != ""
	t.state = stateReady
	out := t.snapshotLocked()
	t.mu.Unlock()

	for _, m := range page.Messages {
		t.writeThrough(m)
	}

	t.subs.emit(TimelineEvent{Op: TimelineReset, Messages: out})
	return out, nil
}

func (t *Timeline) finishInitialFromCache() ([]Message, error) {
	records, err := t.cache.Load(t.channel.ID)
	if err != nil {
		// A failed cache read counts as an empty cache.
		records = nil
	}

	t.mu.Lock()
	pushed := t.messages
	t.messages = nil
	t.ids = make(map[string]struct{})
	for _, rec := range records {
		t.insertLocked(messageFromRecord(rec))
	}
	for _, m := range pushed {
		t.insertLocked(m)
	}
	t.cacheOnly = true
	t.cursor = ""
	t.hasMore = false
	t.state = stateReady
	out := t.snapshotLocked()
	t.mu.Unlock()

	t.subs.emit(TimelineEvent{Op: TimelineReset, Messages: out})
	return out, nil
}

// LoadOlder fetches the next backward page and prepends it. It is a
// no-op returning (nil, nil) while another LoadOlder is in flight, when
// history is exhausted, or when no cursor is recorded. Calls are
// dropped, never queued.
func (t *Timeline) LoadOlder(ctx context.Context, limit int) ([]Message, error) {
	t.mu.Lock()
	if t.loadingMore || !t.hasMore || t.cursor == "" || t.cacheOnly || t.state != stateReady {
		t.mu.Unlock()
		return nil, nil
	}
	t.loadingMore = true
	cursor := t.cursor
	t.mu.Unlock()

	page, err := t.history.ListChannelMessages(ctx, t.session, t.channel.ID, limit, cursor)
	if err != nil {
		t.mu.Lock()
		t.loadingMore = false
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", emberrors.ErrHistoryFetchFailed, err)
	}

	t.resolvePage(ctx, page.Messages)

	t.mu.Lock()
	var added []Message
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		if _, dup := t.ids[m.ID]; dup {
			continue
		}
		t.ids[m.ID] = struct{}{}
		t.messages = append([]Message{m}, t.messages...)
		added = append([]Message{m}, added...)
	}
	// The cursor is replaced wholesale, never merged.
	t.cursor = page.NextCursor
	t.hasMore = page.NextCursor != ""
	t.loadingMore = false
	t.mu.Unlock()

	for _, m := range added {
		t.writeThrough(m)
	}

	if len(added) > 0 {
		t.subs.emit(TimelineEvent{Op: TimelinePrepend, Messages: added})
	}
	return added, nil
}

// HandlePush ingests one message push. A message whose id is already
// present is dropped silently; that is what keeps a locally sent
// message from appearing twice when it round-trips through the push
// stream, and what makes push/pagination interleaving safe. New
// messages are appended in arrival order, written through to the cache,
// and have their attachment resolved asynchronously so visibility never
// blocks on a download.
func (t *Timeline) HandlePush(m Message) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, dup := t.ids[m.ID]; dup {
		t.mu.Unlock()
		return
	}
	t.insertLocked(m)
	t.mu.Unlock()

	t.writeThrough(m)
	t.subs.emit(TimelineEvent{Op: TimelineAppend, Messages: []Message{m}})

	if m.Kind == KindImage && m.Attachment != nil {
		go t.resolveAsync(m.ID)
	}
}

// SendText sends a text message. The timeline is not updated here: the
// message materializes when it arrives back on the push stream, which
// is the single insertion path for sent messages.
func (t *Timeline) SendText(ctx context.Context, body string) error {
	content, err := encodeTextContent(body)
	if err != nil {
		return fmt.Errorf("encoding text content: %w", err)
	}
	return t.sender.SendMessage(ctx, t.channel.ID, content)
}

// SendImage uploads the payload and sends the resulting reference
// message. Same non-optimistic-insert policy as SendText. Upload
// failures (including the size ceiling) propagate to the caller.
func (t *Timeline) SendImage(ctx context.Context, data []byte, contentType, fileName string) error {
	ref, err := t.attachments.Upload(ctx, t.session, data, contentType, fileName)
	if err != nil {
		return err
	}

	content, err := encodeImageContent(ref, nowFunc())
	if err != nil {
		return fmt.Errorf("encoding image content: %w", err)
	}
	return t.sender.SendMessage(ctx, t.channel.ID, content)
}

// Messages returns a copy of the current timeline, ordered oldest
// first.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// HasMore reports whether older history remains.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// LoadingMore reports whether a LoadOlder is in flight.
func (t *Timeline) LoadingMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadingMore
}

// Subscribe registers a timeline change handler.
func (t *Timeline) Subscribe(fn func(TimelineEvent)) *Subscription {
	return t.subs.subscribe(fn)
}

// Close detaches the timeline from its channel. In-flight attachment
// resolutions finish but their results are discarded.
func (t *Timeline) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.subs.clear()
}

func (t *Timeline) insertLocked(m Message) {
	if _, dup := t.ids[m.ID]; dup {
		return
	}
	t.ids[m.ID] = struct{}{}
	t.messages = append(t.messages, m)
}

func (t *Timeline) snapshotLocked() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// writeThrough persists one message to the cache. Cache failures are
// logged, never propagated: the cache is an optimization, not a
// dependency.
func (t *Timeline) writeThrough(m Message) {
	if err := t.cache.Append(t.channel.ID, m.record()); err != nil {
		t.logger.Warn("cache write-through failed",
			slog.String("channel_id", t.channel.ID),
			slog.String("message_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

// resolvePage fills attachment bytes for a page's image messages,
// best-effort and bounded-parallel. Individual failures leave the
// message without bytes; it is still shown.
func (t *Timeline) resolvePage(ctx context.Context, msgs []Message) {
	g := new(errgroup.Group)
	g.SetLimit(resolveParallelism)
	for i := range msgs {
		if msgs[i].Kind != KindImage || msgs[i].Attachment == nil {
			continue
		}
		m := &msgs[i]
		g.Go(func() error {
			t.attachments.Resolve(ctx, t.session, m)
			return nil
		})
	}
	g.Wait()
}

// resolveAsync resolves a pushed message's attachment off the ingestion
// path and patches the stored message when done. Results are discarded
// if the timeline has been closed in the meantime.
func (t *Timeline) resolveAsync(id string) {
	t.mu.Lock()
	var target Message
	found := false
	for _, m := range t.messages {
		if m.ID == id {
			target = m
			found = true
			break
		}
	}
	t.mu.Unlock()
	if !found {
		return
	}

	// Resolve may rewrite the URL after a presign refresh. The ref
	// pointer is aliased by observer snapshots, so the resolver gets a
	// private copy; the fresh pointer is installed under the mutex below.
	if target.Attachment != nil {
		ref := *target.Attachment
		target.Attachment = &ref
	}

	t.attachments.Resolve(context.Background(), t.session, &target)
	if target.AttachmentBytes == nil {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	updated := false
	for i := range t.messages {
		if t.messages[i].ID == id {
			t.messages[i].AttachmentBytes = target.AttachmentBytes
			t.messages[i].Attachment = target.Attachment
			updated = true
			break
		}
	}
	t.mu.Unlock()

	if updated {
		t.subs.emit(TimelineEvent{Op: TimelineUpdate, Messages: []Message{target}})
	}
}
