package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"cellengine/model"
)

// NotebookProvider executes cells on a Jupyter kernel gateway. One kernel
// is started at bootstrap and owned for the provider's lifetime; iopub
// messages are mapped onto the channel event union, with stream output
// buffered per run and flushed at finalization.
type NotebookProvider struct {
	baseURL      string
	wsURL        string
	token        string
	kernelName   string
	requirements []string
	logger       *logrus.Logger

	httpClient *http.Client
	kernelID   string
	sessionID  string
	ws         *websocket.Conn
}

// kernelMessage is the subset of the Jupyter wire protocol the provider
// reads.
type kernelMessage struct {
	Header struct {
		MsgType string `json:"msg_type"`
		MsgID   string `json:"msg_id"`
	} `json:"header"`
	ParentHeader struct {
		MsgID string `json:"msg_id"`
	} `json:"parent_header"`
	Content map[string]any `json:"content"`
}

// NewNotebookProvider targets a kernel gateway at host:port.
func NewNotebookProvider(host string, port int, token, kernelName string, requirements []string, logger *logrus.Logger) *NotebookProvider {
	if kernelName == "" {
		kernelName = "python3"
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &NotebookProvider{
		baseURL:      fmt.Sprintf("http://%s:%d", host, port),
		wsURL:        fmt.Sprintf("ws://%s:%d", host, port),
		token:        token,
		kernelName:   kernelName,
		requirements: requirements,
		logger:       logger,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *NotebookProvider) Name() string { return model.ExecProviderNotebook }

// Bootstrap starts a kernel, opens the channels websocket, performs the
// kernel_info handshake, and installs the preload packages.
func (p *NotebookProvider) Bootstrap(ctx context.Context, emit func(model.Envelope)) error {
	emit(model.NewEnvelope(model.TypeStatus, "starting kernel"))

	kernelID, err := p.startKernel(ctx)
	if err != nil {
		return err
	}
	p.kernelID = kernelID
	p.sessionID = uuid.New().String()

	url := fmt.Sprintf("%s/api/kernels/%s/channels", p.wsURL, p.kernelID)
	var header http.Header
	if p.token != "" {
		header = http.Header{"Authorization": []string{"token " + p.token}}
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dial kernel channels: %w", err)
	}
	p.ws = ws

	if err := p.waitForReady(ctx); err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{
		"kernel":   p.kernelName,
		"kernelID": p.kernelID,
	}).Info("Kernel ready")

	for _, pkg := range p.requirements {
		emit(model.NewEnvelope(model.TypeStatus, "installing "+pkg))
		code, err := p.execute(ctx, "%pip install --quiet "+pkg, nil)
		if err != nil {
			return fmt.Errorf("install %s: %w", pkg, err)
		}
		if code != 0 {
			return fmt.Errorf("install %s: kernel reported an error", pkg)
		}
	}

	return nil
}

// Run sends one execute_request and streams iopub output until the kernel
// returns to idle.
func (p *NotebookProvider) Run(ctx context.Context, code string, emit func(model.Envelope)) (int, error) {
	return p.execute(ctx, code, emit)
}

// Close shuts the websocket and deletes the kernel.
func (p *NotebookProvider) Close() error {
	if p.ws != nil {
		p.ws.Close()
	}
	if p.kernelID == "" {
		return nil
	}
	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/kernels/%s", p.baseURL, p.kernelID), nil)
	if err != nil {
		return err
	}
	p.setAuth(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (p *NotebookProvider) startKernel(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"name": p.kernelName})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/kernels", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	p.setAuth(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("start kernel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("failed to start kernel: %s", resp.Status)
	}

	var kernelResp struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&kernelResp); err != nil {
		return "", err
	}
	return kernelResp.ID, nil
}

func (p *NotebookProvider) setAuth(req *http.Request) {
	if p.token != "" {
		req.Header.Set("Authorization", "token "+p.token)
	}
}

func (p *NotebookProvider) waitForReady(ctx context.Context) error {
	msgID, err := p.sendMessage(map[string]any{}, "shell", "kernel_info_request")
	if err != nil {
		return err
	}
	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.ws.SetReadDeadline(deadline)
	defer p.ws.SetReadDeadline(time.Time{})

	for {
		var message kernelMessage
		if err := p.ws.ReadJSON(&message); err != nil {
			return fmt.Errorf("wait for kernel ready: %w", err)
		}
		if message.Header.MsgType == "kernel_info_reply" && message.ParentHeader.MsgID == msgID {
			return nil
		}
	}
}

func (p *NotebookProvider) sendMessage(content map[string]any, channel, messageType string) (string, error) {
	if p.ws == nil {
		return "", fmt.Errorf("websocket is nil")
	}
	messageID := uuid.New().String()
	message := map[string]any{
		"header": map[string]any{
			"username": "cellengine",
			"version":  "5.0",
			"session":  p.sessionID,
			"msg_id":   messageID,
			"msg_type": messageType,
			"date":     time.Now().Format(time.RFC3339),
		},
		"parent_header": map[string]any{},
		"metadata":      map[string]any{},
		"content":       content,
		"buffers":       []any{},
		"channel":       channel,
	}
	if err := p.ws.WriteJSON(message); err != nil {
		return "", err
	}
	return messageID, nil
}

// execute runs one code string and consumes its iopub stream. When emit is
// nil the output is discarded (bootstrap installs).
func (p *NotebookProvider) execute(ctx context.Context, code string, emit func(model.Envelope)) (int, error) {
	msgID, err := p.sendMessage(map[string]any{
		"code":             code,
		"silent":           false,
		"store_history":    true,
		"user_expressions": map[string]any{},
		"allow_stdin":      false,
		"stop_on_error":    true,
	}, "shell", "execute_request")
	if err != nil {
		return 0, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		p.ws.SetReadDeadline(deadline)
		defer p.ws.SetReadDeadline(time.Time{})
	}

	var stdoutBuf, stderrBuf strings.Builder
	exitCode := 0

	flush := func() {
		if emit == nil {
			return
		}
		if stdoutBuf.Len() > 0 {
			emit(model.NewEnvelope(model.TypeStdout, stdoutBuf.String()))
		}
		if stderrBuf.Len() > 0 {
			emit(model.NewEnvelope(model.TypeStderr, stderrBuf.String()))
		}
	}

	for {
		var message kernelMessage
		if err := p.ws.ReadJSON(&message); err != nil {
			flush()
			return 0, fmt.Errorf("read kernel message: %w", err)
		}
		if message.ParentHeader.MsgID != msgID {
			continue
		}

		content := message.Content
		switch message.Header.MsgType {
		case "status":
			if content["execution_state"] == "idle" {
				flush()
				return exitCode, nil
			}
		case "stream":
			text, _ := content["text"].(string)
			if name, _ := content["name"].(string); name == "stderr" {
				stderrBuf.WriteString(text)
			} else {
				stdoutBuf.WriteString(text)
			}
		case "execute_result", "display_data":
			if emit != nil {
				if payload, ok := displayFromMIME(content); ok {
					emit(model.NewEnvelope(model.TypeDisplay, payload))
				}
			}
		case "error":
			ename, _ := content["ename"].(string)
			evalue, _ := content["evalue"].(string)
			stderrBuf.WriteString(fmt.Sprintf("%s: %s\n", ename, evalue))
			exitCode = 1
		}
	}
}

// displayFromMIME picks the richest representation out of a MIME-keyed data
// bundle.
func displayFromMIME(content map[string]any) (model.DisplayPayload, bool) {
	data, ok := content["data"].(map[string]any)
	if !ok {
		return model.DisplayPayload{}, false
	}
	if png, ok := data["image/png"].(string); ok {
		return model.DisplayPayload{Kind: model.DisplayImage, MIME: "image/png", Data: png}, true
	}
	if html, ok := data["text/html"].(string); ok {
		return model.DisplayPayload{Kind: model.DisplayHTML, HTML: html}, true
	}
	if text, ok := data["text/plain"].(string); ok {
		return model.DisplayPayload{Kind: model.DisplayText, Text: text}, true
	}
	return model.DisplayPayload{}, false
}
