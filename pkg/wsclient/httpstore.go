package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"realtime-service/pkg/protocol"
)

// HTTPStore implements HistoryReader against the server's REST surface, so a
// Go client binary talks to the same document store the server fronts.
type HTTPStore struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func NewHTTPStore(baseURL, token string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{},
	}
}

func (s *HTTPStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]protocol.MessageEnvelope, error) {
	endpoint := fmt.Sprintf("%s/api/v1/conversations/%s/messages?limit=%s",
		s.baseURL, url.PathEscape(conversationID), strconv.Itoa(limit))

	var out struct {
		Messages []protocol.MessageEnvelope `json:"messages"`
	}
	if err := s.getJSON(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (s *HTTPStore) UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/conversations/%s/unread?userId=%s",
		s.baseURL, url.PathEscape(conversationID), url.QueryEscape(userID))

	var out struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := s.getJSON(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.MessageIDs, nil
}

func (s *HTTPStore) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("store request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
