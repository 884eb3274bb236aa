package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellengine/model"
)

var gatewayUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
		http.Error(w, reason.Error(), status)
	},
}

// kernelReply is one scripted iopub message the fake gateway sends back
// for an execute request.
type kernelReply struct {
	msgType string
	content map[string]any
}

// fakeGateway mimics the kernel gateway HTTP and websocket surface: it
// starts a kernel, answers the kernel_info handshake, and replays the
// scripted iopub messages for every execute request before going idle.
type fakeGateway struct {
	t       *testing.T
	replies []kernelReply
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/kernels" && r.Method == http.MethodPost:
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "k1"}`))
	case r.URL.Path == "/api/kernels/k1" && r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/api/kernels/k1/channels":
		g.serveChannels(w, r)
	default:
		http.Error(w, "bad path", http.StatusBadRequest)
	}
}

func (g *fakeGateway) serveChannels(w http.ResponseWriter, r *http.Request) {
	ws, err := gatewayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.t.Logf("Upgrade: %v", err)
		return
	}
	defer ws.Close()

	for {
		var req map[string]any
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		header, _ := req["header"].(map[string]any)
		msgID, _ := header["msg_id"].(string)

		send := func(msgType string, parentID string, content map[string]any) {
			ws.WriteJSON(map[string]any{
				"header":        map[string]any{"msg_type": msgType},
				"parent_header": map[string]any{"msg_id": parentID},
				"content":       content,
			})
		}

		switch header["msg_type"] {
		case "kernel_info_request":
			send("kernel_info_reply", msgID, map[string]any{})
		case "execute_request":
			// Traffic for another request: must be skipped by the reader.
			send("stream", "someone-else", map[string]any{
				"name": "stdout", "text": "not yours",
			})
			for _, reply := range g.replies {
				send(reply.msgType, msgID, reply.content)
			}
			send("status", msgID, map[string]any{"execution_state": "idle"})
		}
	}
}

// newGatewayProvider boots a notebook provider against a fake gateway.
func newGatewayProvider(t *testing.T, replies []kernelReply) *NotebookProvider {
	t.Helper()
	gateway := &fakeGateway{t: t, replies: replies}
	server := httptest.NewServer(gateway)
	t.Cleanup(server.Close)

	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)

	provider := NewNotebookProvider(parsed.Hostname(), port, "", "python3", nil, nil)
	require.NoError(t, provider.Bootstrap(context.Background(), func(model.Envelope) {}))
	t.Cleanup(func() { provider.Close() })
	return provider
}

func runKernel(t *testing.T, provider *NotebookProvider, code string) (int, []model.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []model.Envelope
	exitCode, err := provider.Run(ctx, code, func(envelope model.Envelope) {
		events = append(events, envelope)
	})
	require.NoError(t, err)
	return exitCode, events
}

func TestNotebookStreamOutputIsBufferedPerRun(t *testing.T) {
	provider := newGatewayProvider(t, []kernelReply{
		{"stream", map[string]any{"name": "stdout", "text": "a"}},
		{"stream", map[string]any{"name": "stdout", "text": "b"}},
		{"stream", map[string]any{"name": "stderr", "text": "warn"}},
	})

	exitCode, events := runKernel(t, provider, `print("ab")`)
	assert.Equal(t, model.ExitOK, exitCode)

	var stdout, stderr []string
	for _, envelope := range events {
		switch envelope.Type {
		case model.TypeStdout:
			stdout = append(stdout, envelope.Text())
		case model.TypeStderr:
			stderr = append(stderr, envelope.Text())
		}
	}
	// Stream fragments coalesce into one event per stream at idle; the
	// unrelated message was never folded in.
	require.Len(t, stdout, 1)
	assert.Equal(t, "ab", stdout[0])
	require.Len(t, stderr, 1)
	assert.Equal(t, "warn", stderr[0])
}

func TestNotebookKernelErrorBecomesExitOne(t *testing.T) {
	provider := newGatewayProvider(t, []kernelReply{
		{"stream", map[string]any{"name": "stdout", "text": "before\n"}},
		{"error", map[string]any{"ename": "ValueError", "evalue": "boom"}},
	})

	exitCode, events := runKernel(t, provider, `raise ValueError("boom")`)
	assert.Equal(t, model.ExitRaised, exitCode)

	var stdout, stderr string
	for _, envelope := range events {
		switch envelope.Type {
		case model.TypeStdout:
			stdout = envelope.Text()
		case model.TypeStderr:
			stderr = envelope.Text()
		}
	}
	assert.Equal(t, "before\n", stdout)
	assert.Contains(t, stderr, "ValueError: boom")
}

func TestNotebookDisplayPrefersRichestMIME(t *testing.T) {
	provider := newGatewayProvider(t, []kernelReply{
		{"display_data", map[string]any{"data": map[string]any{
			"image/png":  "aGk=",
			"text/plain": "<Figure>",
		}}},
		{"execute_result", map[string]any{"data": map[string]any{
			"text/plain": "42",
		}}},
		{"display_data", map[string]any{"data": map[string]any{
			"text/html":  "<b>hi</b>",
			"text/plain": "hi",
		}}},
	})

	exitCode, events := runKernel(t, provider, "x")
	assert.Equal(t, model.ExitOK, exitCode)

	var displays []model.DisplayPayload
	for _, envelope := range events {
		if envelope.Type == model.TypeDisplay {
			payload, ok := envelope.Display()
			require.True(t, ok)
			displays = append(displays, payload)
		}
	}
	require.Len(t, displays, 3)
	assert.Equal(t, model.DisplayPayload{Kind: model.DisplayImage, MIME: "image/png", Data: "aGk="}, displays[0])
	assert.Equal(t, model.DisplayPayload{Kind: model.DisplayText, Text: "42"}, displays[1])
	assert.Equal(t, model.DisplayPayload{Kind: model.DisplayHTML, HTML: "<b>hi</b>"}, displays[2])
}

func TestNotebookIdleWithoutOutputYieldsNoEvents(t *testing.T) {
	provider := newGatewayProvider(t, nil)

	exitCode, events := runKernel(t, provider, "x = 1")
	assert.Equal(t, model.ExitOK, exitCode)
	assert.Empty(t, events)
}
