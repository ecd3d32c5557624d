// ABOUTME: Session runs the event loop consuming presence, list and message channels.
// ABOUTME: All component state is touched only from this loop; callers post commands into it.

package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jeewanjyoti/careline/internal/auth"
	"github.com/jeewanjyoti/careline/internal/channel"
	"github.com/jeewanjyoti/careline/internal/directory"
	"github.com/jeewanjyoti/careline/internal/history"
	"github.com/jeewanjyoti/careline/internal/presence"
	"github.com/jeewanjyoti/careline/internal/timeline"
	"github.com/jeewanjyoti/careline/internal/wire"
)

// Session errors.
var (
	// ErrChannelNotReady is returned when a send is attempted with no
	// open per-conversation channel. Nothing is buffered across
	// reconnects; the caller queues or surfaces the error.
	ErrChannelNotReady = errors.New("channel not ready")
	// ErrSessionClosed is returned by operations on a finished session.
	ErrSessionClosed = errors.New("session closed")
)

// expiryTickInterval drives stale-pending sweeps.
const expiryTickInterval = time.Second

// HistoryFetcher is what the session needs from the history loader.
type HistoryFetcher interface {
	FetchPage(ctx context.Context, conversationID, pageToken string) (*history.Page, error)
	Refresh(ctx context.Context, conversationID string) (*history.Page, bool, error)
}

// Settings carries session tuning; zero values select timeline defaults.
type Settings struct {
	// WSBaseURL is the websocket base, e.g. wss://api.example.com/ws.
	WSBaseURL       string
	SendTimeout     time.Duration
	EchoMatchWindow time.Duration
}

// taggedFrame is a message-channel frame stamped with the generation of
// the connection that produced it, so frames from a torn-down channel are
// discarded after a switch.
type taggedFrame struct {
	gen  int
	data []byte
}

// histResult is a completed history fetch.
type histResult struct {
	gen     int
	refresh bool
	page    *history.Page
	err     error
}

// Session wires the channels, reconciler, directory and tracker together.
type Session struct {
	settings Settings
	dialer   channel.Dialer
	loader   HistoryFetcher
	creds    auth.Provider
	logger   *slog.Logger

	tracker *presence.Tracker
	dir     *directory.Directory

	presenceConn *channel.Conn
	listConn     *channel.Conn

	// Per-conversation state, replaced wholesale on each Select.
	msgConn       *channel.Conn
	gen           int
	selected      string
	tl            *timeline.Timeline
	nextPageToken string
	historyDone   bool

	ctx    context.Context
	cancel context.CancelFunc

	cmds        chan func()
	msgFrames   chan taggedFrame
	msgClosed   chan int
	histResults chan histResult
	updates     chan Update
	done        chan struct{}
	closeOnce   sync.Once
}

// New creates an unstarted session.
func New(settings Settings, dialer channel.Dialer, loader HistoryFetcher, creds auth.Provider, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		settings:    settings,
		dialer:      dialer,
		loader:      loader,
		creds:       creds,
		logger:      logger.With("component", "session"),
		tracker:     presence.NewTracker(logger),
		dir:         directory.New(logger),
		cmds:        make(chan func()),
		msgFrames:   make(chan taggedFrame, 64),
		msgClosed:   make(chan int, 4),
		histResults: make(chan histResult, 4),
		updates:     make(chan Update, 64),
		done:        make(chan struct{}),
	}
}

// Start opens the presence and conversation-list channels and runs the
// event loop until ctx is cancelled or Close is called. A missing or
// expired credential fails the open with auth.ErrAuthRequired.
func (s *Session) Start(ctx context.Context) error {
	header, err := s.authHeader()
	if err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.presenceConn = channel.New(s.presenceURL(), s.dialer, s.logger)
	if err := s.presenceConn.Open(s.ctx, header); err != nil {
		s.cancel()
		return err
	}

	s.listConn = channel.New(s.listURL(), s.dialer, s.logger)
	if err := s.listConn.Open(s.ctx, header); err != nil {
		s.presenceConn.Close()
		s.cancel()
		return err
	}

	go s.run()
	return nil
}

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Updates returns the stream of change notifications. Slow consumers lose
// notifications, never state: every update can be re-derived from the
// getter methods.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// run is the event loop. It is the only goroutine that touches component
// state, which is what makes the rest of the package lock-free.
func (s *Session) run() {
	defer s.teardown()

	presenceFrames := s.presenceConn.Frames()
	listFrames := s.listConn.Frames()

	ticker := time.NewTicker(expiryTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case cmd := <-s.cmds:
			cmd()

		case data, ok := <-presenceFrames:
			if !ok {
				presenceFrames = nil
				s.logger.Warn("presence channel closed", "error", s.presenceConn.Err())
				s.emit(Update{Kind: UpdatePresenceChannelClosed, Err: s.presenceConn.Err()})
				continue
			}
			s.handlePresenceFrame(data)

		case data, ok := <-listFrames:
			if !ok {
				listFrames = nil
				s.logger.Warn("conversation list channel closed", "error", s.listConn.Err())
				s.emit(Update{Kind: UpdateListChannelClosed, Err: s.listConn.Err()})
				continue
			}
			s.handleListFrame(data)

		case tf := <-s.msgFrames:
			if tf.gen != s.gen || s.tl == nil {
				continue
			}
			s.handleMessageFrame(tf.data)

		case gen := <-s.msgClosed:
			if gen != s.gen {
				continue
			}
			s.handleMessageChannelClosed()

		case res := <-s.histResults:
			if res.gen != s.gen || s.tl == nil {
				continue
			}
			s.handleHistoryResult(res)

		case <-ticker.C:
			s.sweepStalePending()
		}
	}
}

func (s *Session) teardown() {
	if s.msgConn != nil {
		s.msgConn.Close()
	}
	s.listConn.Close()
	s.presenceConn.Close()
	s.tracker.Reset()
	close(s.done)
	close(s.updates)
	s.logger.Debug("session closed")
}

func (s *Session) handlePresenceFrame(data []byte) {
	ev, err := wire.DecodePresence(data)
	if err != nil {
		s.logger.Warn("bad presence frame", "error", err)
		return
	}
	s.tracker.Apply(ev)
	s.emit(Update{Kind: UpdatePresence, CounterpartID: ev.CounterpartID})
}

func (s *Session) handleListFrame(data []byte) {
	snap, err := wire.DecodeSnapshot(data)
	if err != nil {
		s.logger.Warn("bad list frame", "error", err)
		return
	}
	s.dir.ApplySnapshot(snap)
	s.emit(Update{Kind: UpdateConversations})
}

func (s *Session) handleMessageFrame(data []byte) {
	ev, err := wire.DecodeMessageEvent(data)
	if err != nil {
		s.logger.Warn("bad message frame", "error", err)
		return
	}
	s.tl.ApplyInbound(ev)
	s.emit(Update{Kind: UpdateMessages, CounterpartID: s.selected})
}

func (s *Session) handleMessageChannelClosed() {
	err := s.msgConn.Err()
	s.logger.Debug("message channel closed",
		"conversation_id", s.selected, "error", err)
	// No echo can arrive on a closed channel; resolve every pending send.
	if s.tl != nil {
		if failed := s.tl.FailAllPending(); len(failed) > 0 {
			s.emit(Update{Kind: UpdateSendFailed, CounterpartID: s.selected})
		}
	}
	s.emit(Update{Kind: UpdateMessageChannelClosed, CounterpartID: s.selected, Err: err})
}

func (s *Session) handleHistoryResult(res histResult) {
	if res.err != nil {
		// The merged list stays untouched; the same pagination call can
		// simply be issued again.
		s.logger.Warn("history fetch failed",
			"conversation_id", s.selected, "error", res.err)
		s.emit(Update{Kind: UpdateHistoryFailed, CounterpartID: s.selected, Err: res.err})
		return
	}
	s.tl.LoadHistoryPage(res.page.Records, res.page.MyID)
	if !res.refresh {
		s.nextPageToken = res.page.NextPageToken
		s.historyDone = res.page.NextPageToken == ""
	}
	s.emit(Update{Kind: UpdateMessages, CounterpartID: s.selected})
}

func (s *Session) sweepStalePending() {
	if s.tl == nil {
		return
	}
	if failed := s.tl.ExpireStalePending(time.Now()); len(failed) > 0 {
		s.logger.Debug("sends timed out",
			"conversation_id", s.selected, "count", len(failed))
		s.emit(Update{Kind: UpdateSendFailed, CounterpartID: s.selected})
	}
}

// emit delivers an update without ever blocking the loop.
func (s *Session) emit(u Update) {
	select {
	case s.updates <- u:
	default:
		s.logger.Debug("dropped update for slow consumer", "kind", u.Kind)
	}
}

// do runs fn on the event loop and waits for it.
func (s *Session) do(fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		fn()
		close(ran)
	}
	select {
	case s.cmds <- wrapped:
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// post schedules fn on the event loop without waiting.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// bearerHeader builds the Authorization header for a token.
func bearerHeader(token string) http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return header
}

// authHeader builds the bearer header from the credential provider.
func (s *Session) authHeader() (http.Header, error) {
	creds, err := s.creds.Credentials()
	if err != nil {
		return nil, err
	}
	return bearerHeader(creds.Token), nil
}

func (s *Session) presenceURL() string {
	return s.settings.WSBaseURL + "/presence"
}

func (s *Session) listURL() string {
	return s.settings.WSBaseURL + "/conversations"
}

func (s *Session) messageURL(conversationID string) string {
	return s.settings.WSBaseURL + "/conversations/" + url.PathEscape(conversationID) + "/messages"
}
