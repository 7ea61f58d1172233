package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/LucienLassalle/SLE/internal/record"
)

// lokiPayload and lokiStream mirror Loki's push API.
type lokiPayload struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// lokiSender is the only backend that must be wire-conformant to a real
// protocol: entries are grouped into streams by their exact label set
// and each value pair is [unix-nano-as-string, line].
type lokiSender struct {
	client *http.Client
}

func newLokiSender() *lokiSender {
	return &lokiSender{client: newHTTPClient(defaultSendTimeout)}
}

func (s *lokiSender) serialize(batch []record.LogRecord) ([]byte, error) {
	streams := groupByStream(batch)
	return json.Marshal(lokiPayload{Streams: streams})
}

func groupByStream(batch []record.LogRecord) []lokiStream {
	index := map[string]*lokiStream{}
	order := make([]string, 0, len(batch))

	for _, r := range batch {
		key := labelKey(r.Labels)
		st, ok := index[key]
		if !ok {
			st = &lokiStream{Stream: r.Labels}
			index[key] = st
			order = append(order, key)
		}
		st.Values = append(st.Values, [2]string{
			strconv.FormatInt(r.Timestamp.UnixNano(), 10),
			r.Text,
		})
	}

	streams := make([]lokiStream, 0, len(order))
	for _, k := range order {
		streams = append(streams, *index[k])
	}
	return streams
}

// labelKey produces a stable key for a label set so records sharing the
// exact same labels land in the same stream regardless of map order.
func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}

func (s *lokiSender) send(ctx context.Context, endpoint string, body []byte) (int, error) {
	url := normalizeEndpoint(endpoint) + "/loki/api/v1/push"
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
	return resp.StatusCode, fmt.Errorf("loki push: unexpected status %d", resp.StatusCode)
}

func normalizeEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return strings.TrimSuffix(endpoint, "/")
	}
	return "http://" + strings.TrimSuffix(endpoint, "/")
}
