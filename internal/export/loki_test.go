package export

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucienLassalle/SLE/internal/record"
)

func TestGroupByStreamGroupsByExactLabelSet(t *testing.T) {
	batch := []record.LogRecord{
		{Text: "a", Timestamp: time.Unix(1, 0), Labels: map[string]string{"job": "sle", "name": "nginx"}},
		{Text: "b", Timestamp: time.Unix(2, 0), Labels: map[string]string{"job": "sle", "name": "nginx"}},
		{Text: "c", Timestamp: time.Unix(3, 0), Labels: map[string]string{"job": "sle", "name": "redis"}},
	}

	streams := groupByStream(batch)
	require.Len(t, streams, 2)
	assert.Len(t, streams[0].Values, 2)
	assert.Len(t, streams[1].Values, 1)
	assert.Equal(t, "a", streams[0].Values[0][1])
	assert.Equal(t, "1000000000", streams[0].Values[0][0])
}

func TestLabelKeyIsOrderIndependent(t *testing.T) {
	a := labelKey(map[string]string{"x": "1", "y": "2"})
	b := labelKey(map[string]string{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
}

func TestNormalizeEndpointAddsScheme(t *testing.T) {
	assert.Equal(t, "http://loki:3100", normalizeEndpoint("loki:3100"))
	assert.Equal(t, "http://loki:3100", normalizeEndpoint("loki:3100/"))
	assert.Equal(t, "https://loki:3100", normalizeEndpoint("https://loki:3100"))
}

func TestLokiSenderSendsToPushPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var payload lokiPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Streams, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := newLokiSender()
	body, err := sender.serialize([]record.LogRecord{
		{Text: "hi", Timestamp: time.Unix(1, 0), Labels: map[string]string{"job": "sle"}},
	})
	require.NoError(t, err)

	status, err := sender.send(context.Background(), srv.URL, body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, "/loki/api/v1/push", gotPath)
}

func TestLokiSenderErrorsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := newLokiSender()
	status, err := sender.send(context.Background(), srv.URL, []byte(`{}`))
	assert.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, status)
}
