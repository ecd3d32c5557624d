// ABOUTME: Loader fetches paginated conversation history with bearer auth.
// ABOUTME: Includes the throttled Refresh entry point replacing reload-on-focus side effects.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jeewanjyoti/careline/internal/auth"
	"github.com/jeewanjyoti/careline/internal/wire"
)

// ErrFetchFailed marks a transient history fetch failure. The call is
// retryable with the same page token and never disturbs an already-merged
// message list.
var ErrFetchFailed = errors.New("history fetch failed")

// Page is one batch of history plus the server-resolved local identity.
type Page struct {
	Records []wire.HistoryRecord
	// MyID is who the server says the local user is in this exchange. It
	// is the authoritative basis for direction classification.
	MyID string
	// NextPageToken requests the next (older) page; empty means no more.
	NextPageToken string
}

// Loader fetches history pages from the REST API.
type Loader struct {
	baseURL string
	client  *http.Client
	creds   auth.Provider
	logger  *slog.Logger

	// Refresh throttle, per conversation. Guarded by mu; fetches for
	// different conversations can overlap.
	mu          sync.Mutex
	minInterval time.Duration
	lastRefresh map[string]time.Time
	now         func() time.Time
}

// NewLoader creates a loader against the given REST base URL. Pass nil
// client for http.DefaultClient.
func NewLoader(baseURL string, client *http.Client, creds auth.Provider, minRefreshInterval time.Duration, logger *slog.Logger) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		baseURL:     baseURL,
		client:      client,
		creds:       creds,
		logger:      logger.With("component", "history"),
		minInterval: minRefreshInterval,
		lastRefresh: make(map[string]time.Time),
		now:         time.Now,
	}
}

// FetchPage retrieves one page of history for the conversation. An empty
// pageToken requests the newest page; tokens walk backward toward the
// start of the conversation.
func (l *Loader) FetchPage(ctx context.Context, conversationID, pageToken string) (*Page, error) {
	creds, err := l.creds.Credentials()
	if err != nil {
		return nil, err
	}

	endpoint, err := url.Parse(l.baseURL + "/conversations/" + url.PathEscape(conversationID) + "/messages")
	if err != nil {
		return nil, fmt.Errorf("%w: bad endpoint: %v", ErrFetchFailed, err)
	}
	if pageToken != "" {
		q := endpoint.Query()
		q.Set("page_token", pageToken)
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: history fetch rejected with %d", auth.ErrAuthRequired, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrFetchFailed, err)
	}

	var payload wire.HistoryResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding body: %v", ErrFetchFailed, err)
	}

	l.logger.Debug("history page fetched",
		"conversation_id", conversationID,
		"records", len(payload.Records),
		"has_more", payload.NextPageToken != "")

	return &Page{
		Records:       payload.Records,
		MyID:          payload.MyID,
		NextPageToken: payload.NextPageToken,
	}, nil
}

// Refresh re-fetches page 1 for the conversation, at most once per
// configured interval. The second return value reports whether a fetch
// actually happened; a throttled call is not an error.
func (l *Loader) Refresh(ctx context.Context, conversationID string) (*Page, bool, error) {
	l.mu.Lock()
	now := l.now()
	if last, ok := l.lastRefresh[conversationID]; ok && now.Sub(last) < l.minInterval {
		l.mu.Unlock()
		l.logger.Debug("refresh throttled", "conversation_id", conversationID)
		return nil, false, nil
	}
	l.lastRefresh[conversationID] = now
	l.mu.Unlock()

	page, err := l.FetchPage(ctx, conversationID, "")
	if err != nil {
		return nil, false, err
	}
	return page, true, nil
}
