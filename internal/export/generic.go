package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/LucienLassalle/SLE/internal/record"
)

// genericLine is the body shape used for every HTTP backend kind besides
// Loki and Kafka: ElasticSearch, OpenSearch, Graylog, VictoriaLogs,
// ClickHouse, FluentBit, and the CloudWatch/GCP/Azure log-drain kinds.
// None of those have a client SDK available (see DESIGN.md), so SLE
// treats them uniformly as an HTTP JSON sink that posts each batch as one
// JSON array of events.
type genericLine struct {
	Timestamp string            `json:"timestamp"`
	Labels    map[string]string `json:"labels"`
	Message   string            `json:"message"`
}

type genericSender struct {
	client *http.Client
}

func newGenericSender() *genericSender {
	return &genericSender{client: newHTTPClient(defaultSendTimeout)}
}

func (s *genericSender) serialize(batch []record.LogRecord) ([]byte, error) {
	lines := make([]genericLine, 0, len(batch))
	for _, r := range batch {
		lines = append(lines, genericLine{
			Timestamp: r.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
			Labels:    r.Labels,
			Message:   r.Text,
		})
	}
	return json.Marshal(lines)
}

func (s *genericSender) send(ctx context.Context, endpoint string, body []byte) (int, error) {
	url := normalizeEndpoint(endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("generic push: unexpected status %d", resp.StatusCode)
}
