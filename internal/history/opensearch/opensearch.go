package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/stackup/internal/history"
)

// Sink indexes events into OpenSearch over its REST API.
// Documents are POSTed to baseURL/index/_doc.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
	retries uint64
}

func New(baseURL, index string) *Sink {
	if index == "" {
		index = "stackup-history"
	}
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index, retries: 2}
}

type document struct {
	Type        history.EventType `json:"type"`
	Timestamp   time.Time         `json:"@timestamp"`
	SessionID   string            `json:"session_id,omitempty"`
	Component   string            `json:"component,omitempty"`
	Status      string            `json:"status,omitempty"`
	FromVersion string            `json:"from_version,omitempty"`
	ToVersion   string            `json:"to_version,omitempty"`
	Message     string            `json:"message,omitempty"`
	Entry       *history.Entry    `json:"entry,omitempty"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	b, err := json.Marshal(document{
		Type:        e.Type,
		Timestamp:   e.OccurredAt,
		SessionID:   e.SessionID,
		Component:   e.Component,
		Status:      e.Status,
		FromVersion: e.FromVersion,
		ToVersion:   e.ToVersion,
		Message:     e.Message,
		Entry:       e.Entry,
	})
	if err != nil {
		return err
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("opensearch sink status %d", resp.StatusCode))
		}
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), s.retries), ctx)
	return backoff.Retry(op, policy)
}
