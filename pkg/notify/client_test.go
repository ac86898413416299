package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockSlackAPI returns a server that accepts chat.postMessage and records
// the posted form values.
func newMockSlackAPI(t *testing.T, calls *[]map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		*calls = append(*calls, map[string]string{
			"channel": r.FormValue("channel"),
			"blocks":  r.FormValue("blocks"),
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1718000000.000100"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientPostMessage(t *testing.T) {
	var calls []map[string]string
	srv := newMockSlackAPI(t, &calls)

	client := NewClient("xoxb-test", "C123", goslack.OptionAPIURL(srv.URL+"/"))
	blocks := BuildCompletionMessage(CompletionInput{
		WorkItemID: "wi-42",
		AgentID:    "alpha",
		Status:     "completed",
		Summary:    "deploy finished",
	})

	err := client.PostMessage(context.Background(), blocks, 2*time.Second)
	require.NoError(t, err)

	require.Len(t, calls, 1)
	assert.Equal(t, "C123", calls[0]["channel"])
	assert.Contains(t, calls[0]["blocks"], "wi-42")
	assert.Contains(t, calls[0]["blocks"], "deploy finished")
}

func TestClientPostMessageAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient("xoxb-test", "C-missing", goslack.OptionAPIURL(srv.URL+"/"))
	err := client.PostMessage(context.Background(), BuildCompletionMessage(CompletionInput{
		WorkItemID: "wi-1",
		AgentID:    "alpha",
		Status:     "failed",
	}), 2*time.Second)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}
