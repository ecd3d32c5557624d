// ABOUTME: Message channel manager: exactly one per-conversation connection at a time.
// ABOUTME: Select tears down, reopens, marks seen, and primes a fresh history fetch.

package session

import (
	"encoding/json"
	"fmt"

	"github.com/jeewanjyoti/careline/internal/channel"
	"github.com/jeewanjyoti/careline/internal/timeline"
	"github.com/jeewanjyoti/careline/internal/wire"
)

// Select makes conversationID the active conversation: the previous
// per-conversation channel (if any) is closed exactly once, a new one is
// dialed, and on successful open the server is told the conversation is
// being viewed (mark_seen) and a page-1 history fetch is primed. The dial
// itself is asynchronous; progress and failures arrive as Updates.
// Re-selecting the current conversation reconnects it, which is the
// designated retry path after a transport failure.
func (s *Session) Select(conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id required")
	}

	// Credential problems surface here, synchronously, not as a delayed
	// update: there is no point dialing without a bearer token.
	creds, err := s.creds.Credentials()
	if err != nil {
		return err
	}
	header := bearerHeader(creds.Token)

	return s.do(func() {
		s.gen++
		gen := s.gen

		if s.msgConn != nil {
			s.msgConn.Close()
			s.msgConn = nil
		}

		s.selected = conversationID
		s.nextPageToken = ""
		s.historyDone = false
		// Reconciler state is private to the selection: dedup window and
		// outstanding sends start fresh, history is refetched.
		s.tl = timeline.New(conversationID, creds.UserID, timeline.Options{
			EchoMatchWindow: s.settings.EchoMatchWindow,
			SendTimeout:     s.settings.SendTimeout,
			Logger:          s.logger,
		})
		s.dir.ClearUnread(conversationID)
		s.emit(Update{Kind: UpdateConversations})

		conn := channel.New(s.messageURL(conversationID), s.dialer, s.logger)
		s.msgConn = conn

		go func() {
			if err := conn.Open(s.ctx, header); err != nil {
				s.post(func() {
					if gen != s.gen {
						return
					}
					s.emit(Update{Kind: UpdateMessageChannelClosed, CounterpartID: conversationID, Err: err})
				})
				return
			}
			s.post(func() {
				if gen != s.gen {
					// Superseded while dialing; rapid switching must not
					// leave a second channel open.
					conn.Close()
					return
				}
				s.attachMessageChannel(conn, gen, conversationID)
			})
		}()
	})
}

// attachMessageChannel finishes a successful open on the event loop:
// mark_seen, frame forwarding, and the initial history fetch.
func (s *Session) attachMessageChannel(conn *channel.Conn, gen int, conversationID string) {
	frame, err := json.Marshal(wire.ClientFrame{Type: wire.TypeMarkSeen})
	if err == nil {
		if err := conn.Send(frame); err != nil {
			s.logger.Warn("mark_seen failed", "conversation_id", conversationID, "error", err)
		}
	}

	go s.forwardFrames(conn, gen)
	go s.fetchHistory(gen, conversationID, "", false)

	s.logger.Debug("conversation opened", "conversation_id", conversationID)
	s.emit(Update{Kind: UpdateMessageChannelOpen, CounterpartID: conversationID})
}

// forwardFrames copies a connection's frames into the loop, stamped with
// its generation, and reports its closure.
func (s *Session) forwardFrames(conn *channel.Conn, gen int) {
	for data := range conn.Frames() {
		select {
		case s.msgFrames <- taggedFrame{gen: gen, data: data}:
		case <-s.done:
			return
		}
	}
	select {
	case s.msgClosed <- gen:
	case <-s.done:
	}
}

// fetchHistory runs one page fetch off-loop and posts the result back.
func (s *Session) fetchHistory(gen int, conversationID, pageToken string, refresh bool) {
	var res histResult
	res.gen = gen
	res.refresh = refresh
	if refresh {
		page, fetched, err := s.loader.Refresh(s.ctx, conversationID)
		if err == nil && !fetched {
			return // throttled, nothing to report
		}
		res.page, res.err = page, err
	} else {
		res.page, res.err = s.loader.FetchPage(s.ctx, conversationID, pageToken)
	}

	if s.ctx.Err() != nil {
		return // selection changed or session closed; result abandoned
	}
	select {
	case s.histResults <- res:
	case <-s.done:
	}
}

// Send transmits content on the active conversation. The message appears
// immediately as pending and resolves to confirmed on echo or failed on
// timeout or transport error. With no open channel the call fails with
// ErrChannelNotReady; nothing is queued.
func (s *Session) Send(content timeline.Content) (timeline.Message, error) {
	if content.Body == "" && content.Attachment == nil {
		return timeline.Message{}, fmt.Errorf("empty message")
	}

	var msg timeline.Message
	var sendErr error
	err := s.do(func() {
		if s.tl == nil || s.msgConn == nil || s.msgConn.State() != channel.StateOpen {
			sendErr = ErrChannelNotReady
			return
		}

		msg = s.tl.SendOptimistic(content)
		s.emit(Update{Kind: UpdateMessages, CounterpartID: s.selected})

		frame, err := json.Marshal(wire.ClientFrame{
			Type:       wire.TypeTextMessage,
			Body:       content.Body,
			TempID:     msg.TempID,
			Attachment: content.Attachment,
		})
		if err != nil {
			sendErr = fmt.Errorf("encoding message: %w", err)
			s.tl.MarkFailed(msg.TempID)
			return
		}
		if err := s.msgConn.Send(frame); err != nil {
			// The optimistic entry stays, failed in place, so the user's
			// draft is not lost and retry remains possible.
			s.tl.MarkFailed(msg.TempID)
			s.emit(Update{Kind: UpdateSendFailed, CounterpartID: s.selected})
			sendErr = fmt.Errorf("transmitting message: %w", err)
		}
	})
	if err != nil {
		return timeline.Message{}, err
	}
	return msg, sendErr
}

// SendAttachment reacts to a completed upload by sending a message that
// references it. The upload itself happens outside this subsystem.
func (s *Session) SendAttachment(att wire.Attachment) (timeline.Message, error) {
	return s.Send(timeline.Content{Attachment: &att})
}

// Retry re-sends a failed message identified by its tempId. The entry
// keeps its place in the list.
func (s *Session) Retry(tempID string) error {
	var retryErr error
	err := s.do(func() {
		if s.tl == nil || s.msgConn == nil || s.msgConn.State() != channel.StateOpen {
			retryErr = ErrChannelNotReady
			return
		}
		msg, ok := s.tl.PrepareRetry(tempID)
		if !ok {
			retryErr = fmt.Errorf("no failed message with temp id %s", tempID)
			return
		}
		s.emit(Update{Kind: UpdateMessages, CounterpartID: s.selected})

		frame, err := json.Marshal(wire.ClientFrame{
			Type:       wire.TypeTextMessage,
			Body:       msg.Body,
			TempID:     msg.TempID,
			Attachment: msg.Attachment,
		})
		if err != nil {
			retryErr = fmt.Errorf("encoding message: %w", err)
			s.tl.MarkFailed(msg.TempID)
			return
		}
		if err := s.msgConn.Send(frame); err != nil {
			s.tl.MarkFailed(msg.TempID)
			s.emit(Update{Kind: UpdateSendFailed, CounterpartID: s.selected})
			retryErr = fmt.Errorf("transmitting message: %w", err)
		}
	})
	if err != nil {
		return err
	}
	return retryErr
}

// LoadOlder fetches the next (older) history page for the active
// conversation, if pagination has not reached the start yet.
func (s *Session) LoadOlder() error {
	var loadErr error
	err := s.do(func() {
		if s.tl == nil {
			loadErr = ErrChannelNotReady
			return
		}
		if s.historyDone {
			return
		}
		go s.fetchHistory(s.gen, s.selected, s.nextPageToken, false)
	})
	if err != nil {
		return err
	}
	return loadErr
}

// Refresh re-fetches page 1 of the active conversation, throttled by the
// loader. The dedup window makes re-merging already-known records a no-op.
func (s *Session) Refresh() error {
	var refreshErr error
	err := s.do(func() {
		if s.tl == nil {
			refreshErr = ErrChannelNotReady
			return
		}
		go s.fetchHistory(s.gen, s.selected, "", true)
	})
	if err != nil {
		return err
	}
	return refreshErr
}

// EnsureConversation synthesizes a directory entry for a counterpart the
// server has not listed yet, e.g. when a chat starts from a booking
// confirmation. The next list snapshot supersedes it transparently.
func (s *Session) EnsureConversation(counterpartID, name, role string) error {
	return s.do(func() {
		s.dir.EnsureConversation(counterpartID, name, role)
		s.emit(Update{Kind: UpdateConversations})
	})
}
