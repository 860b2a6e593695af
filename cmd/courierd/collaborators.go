// This file contains courierd's HTTP collaborators: the conversation-service
// resolver and the offline-notification webhook. Both are thin clients over
// endpoints owned by other teams.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/seamchat/courier"
)

// httpResolver fetches participant lists from the conversation service.
// It expects GET <base>/<conversationID> to return
// {"participants": ["user-1", "user-2"]}.
type httpResolver struct {
	baseURL string
	client  *http.Client
}

func newHTTPResolver(baseURL string, client *http.Client) courier.ParticipantResolver {
	return &httpResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (r *httpResolver) Participants(ctx context.Context, conversationID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/%s", r.baseURL, url.PathEscape(conversationID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("resolve participants: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve participants: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve participants: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("resolve participants: %w", err)
	}
	return body.Participants, nil
}

// newWebhookNotifier posts one JSON document per offline participant to the
// configured webhook. Delivery guarantees beyond the POST are the receiving
// service's concern.
func newWebhookNotifier(endpoint string, client *http.Client) courier.Notifier {
	return courier.NotifierFunc(func(ctx context.Context, userID string, event *courier.Event) error {
		payload, err := json.Marshal(map[string]interface{}{
			"user_id": userID,
			"event":   event,
		})
		if err != nil {
			return fmt.Errorf("offline webhook: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("offline webhook: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("offline webhook: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("offline webhook: unexpected status %d", resp.StatusCode)
		}
		return nil
	})
}
