package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/dbnest/internal/events"
)

// Sink delivers events to an external collaborator over HTTP, typically
// the UI helper process. Each event is POSTed as a JSON document.
type Sink struct {
	client *http.Client
	url    string
}

func New(url string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, url: strings.TrimRight(url, "/")}
}

func (s *Sink) Send(ctx context.Context, e events.Event) error {
	b, _ := json.Marshal(e)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
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
		return fmt.Errorf("webhook sink status %d", resp.StatusCode)
	}
	return nil
}
