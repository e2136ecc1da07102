package opensearch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/loykin/streamctl/internal/history"
)

// DefaultIndex receives events when the DSN names no index.
const DefaultIndex = "service-history"

// Sink sends events to OpenSearch via HTTP.
// It constructs URL as: baseURL + "/" + index + "/_doc" and POSTs JSON body.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	if index == "" {
		index = DefaultIndex
	}
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// document is the indexed shape; occurred_at doubles as the time field.
type document struct {
	Type       history.EventType `json:"type"`
	Service    string            `json:"service"`
	PID        int               `json:"pid,omitempty"`
	Port       int               `json:"port,omitempty"`
	Health     string            `json:"health,omitempty"`
	ExitErr    string            `json:"exit_err,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	b, err := json.Marshal(document{
		Type: e.Type, Service: e.Service, PID: e.PID, Port: e.Port,
		Health: e.Health, ExitErr: e.ExitErr, OccurredAt: e.OccurredAt.UTC(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
