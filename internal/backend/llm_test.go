package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-stream-chat/internal/backend"
	"github.com/omochice/toy-stream-chat/pkg/protocol"
)

type completionRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// completionStub serves /v1/chat/completions as an event stream of deltas.
type completionStub struct {
	mu       sync.Mutex
	requests []completionRequest
}

func (s *completionStub) last() completionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func newCompletionStub(t *testing.T, deltas ...string) (*completionStub, *httptest.Server) {
	t.Helper()
	stub := &completionStub{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req completionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stub.mu.Lock()
		stub.requests = append(stub.requests, req)
		stub.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		for i, d := range deltas {
			content, _ := json.Marshal(d)
			fmt.Fprintf(w, "data: {\"id\":\"c%d\",\"object\":\"chat.completion.chunk\",\"created\":0,\"model\":%q,\"choices\":[{\"index\":0,\"delta\":{\"content\":%s},\"finish_reason\":null}]}\n\n",
				i, req.Model, content)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)
	return stub, server
}

func newLLM(t *testing.T, url string) *backend.LLMResponder {
	t.Helper()
	r, err := backend.NewLLMResponder(backend.LLMConfig{
		BaseURL: url + "/v1/",
		Model:   "gemma3:4b-it-q4_K_M",
	})
	require.NoError(t, err)
	return r
}

func TestLLMResponder_Stream(t *testing.T) {
	stub, server := newCompletionStub(t, "Hel", "lo", "", " there")
	r := newLLM(t, server.URL)

	var chunks []string
	err := r.Stream(context.Background(), protocol.Request{Prompt: "hi"}, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", " there"}, chunks)

	req := stub.last()
	assert.Equal(t, "gemma3:4b-it-q4_K_M", req.Model)
	assert.True(t, req.Stream)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[0].Content)
}

func TestLLMResponder_SystemPrompt(t *testing.T) {
	stub, server := newCompletionStub(t, "Arr")
	r := newLLM(t, server.URL)

	reply, err := backend.Collect(context.Background(), r, protocol.Request{Prompt: "hi", SystemPrompt: "Talk like a pirate"})
	require.NoError(t, err)
	assert.Equal(t, "Arr", reply)

	req := stub.last()
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "Talk like a pirate", req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
}

func TestLLMResponder_Fallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"model not loaded"}}`)
	}))
	defer server.Close()
	r := newLLM(t, server.URL)

	reply, err := backend.Collect(context.Background(), r, protocol.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, backend.FallbackReply, reply)
}

func TestLLMResponder_EmitError(t *testing.T) {
	_, server := newCompletionStub(t, "a", "b")
	r := newLLM(t, server.URL)
	errStop := errors.New("client gone")

	calls := 0
	err := r.Stream(context.Background(), protocol.Request{Prompt: "hi"}, func(string) error {
		calls++
		return errStop
	})
	require.ErrorIs(t, err, errStop)
	assert.Equal(t, 1, calls)
}

func TestLLMResponder_OverWebSocket(t *testing.T) {
	_, upstream := newCompletionStub(t, "Hello", " from", " the model")
	srv := backend.New("127.0.0.1:0", newLLM(t, upstream.URL))
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(srv.Stop)

	conn := dial(t, srv)
	req := protocol.Request{Prompt: "hi"}
	data, err := req.Encode()
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(conn, data))

	frames := readUntilEnd(t, conn)
	require.Len(t, frames, 4)
	var text string
	for _, f := range frames[:3] {
		assert.Equal(t, protocol.FrameChunk, f.Type)
		text += f.Content
	}
	assert.Equal(t, "Hello from the model", text)
	assert.Equal(t, protocol.FrameEnd, frames[3].Type)
}

func TestNewLLMResponder_RequiresModel(t *testing.T) {
	_, err := backend.NewLLMResponder(backend.LLMConfig{})
	require.Error(t, err)
}
