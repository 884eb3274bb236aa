package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cellengine/model"
)

// DefaultChatURL is the chat-completions endpoint used when none is
// configured.
const DefaultChatURL = "https://api.openai.com/v1/chat/completions"

// ErrRemoteCallFailed wraps any non-2xx or network failure from the model
// backend. Calls are never retried automatically; one attempt per user
// action.
var ErrRemoteCallFailed = errors.New("remote model call failed")

// ChatProvider produces the next assistant reply for a conversation.
type ChatProvider interface {
	Name() string
	Chat(ctx context.Context, req model.ChatRequest) (string, error)
}

// LocalStub is a deterministic offline provider. It lets the rest of the
// system be exercised without a credential or network access.
type LocalStub struct{}

func (LocalStub) Name() string { return model.ModelProviderLocal }

// Chat returns a canned runnable snippet derived from the last user turn.
func (LocalStub) Chat(_ context.Context, req model.ChatRequest) (string, error) {
	var prompt string
	for _, msg := range req.Messages {
		if msg.Role == "user" {
			prompt = msg.Content
		}
	}
	if strings.Contains(strings.ToLower(prompt), "plot") {
		return "Here is a plot example:\n```python\n" +
			"import matplotlib.pyplot as plt\n" +
			"plt.plot([1, 2, 3], [1, 4, 9])\n" +
			"plt.show()\n```", nil
	}
	return fmt.Sprintf("Here is a snippet that prints your prompt:\n```python\nprint(%q)\n```", prompt), nil
}

// chatCompletionResponse is the subset of the backend reply we read.
type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// RemoteClient calls an OpenAI-compatible chat-completions backend with a
// bearer credential supplied on demand, typically by unsealing the vault.
type RemoteClient struct {
	url        string
	model      string
	key        func() (string, error)
	httpClient *http.Client
}

// NewRemoteClient builds a client for the given endpoint and model name.
// key is invoked once per call so the credential never has to outlive it.
func NewRemoteClient(url, modelName string, key func() (string, error)) *RemoteClient {
	if url == "" {
		url = DefaultChatURL
	}
	return &RemoteClient{
		url:        url,
		model:      modelName,
		key:        key,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *RemoteClient) Name() string { return model.ModelProviderRemote }

// Chat performs a single POST and surfaces any non-2xx status with the
// response body.
func (c *RemoteClient) Chat(ctx context.Context, req model.ChatRequest) (string, error) {
	apiKey, err := c.key()
	if err != nil {
		return "", err
	}

	if req.Model == "" {
		req.Model = c.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteCallFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: %s: %s", ErrRemoteCallFailed, resp.Status, strings.TrimSpace(string(snippet)))
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("%w: malformed response: %v", ErrRemoteCallFailed, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrRemoteCallFailed)
	}
	return completion.Choices[0].Message.Content, nil
}
