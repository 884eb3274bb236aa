package natshandler

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"cellengine/model"
	"cellengine/service"
)

// publisher is the slice of the NATS connection the handlers need.
type publisher interface {
	Publish(subject string, data []byte) error
}

// StatusReply is the acknowledgement shape for non-streaming requests.
type StatusReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func respond(nc publisher, subject string, reply any) {
	data, _ := json.Marshal(reply)
	if err := nc.Publish(subject, data); err != nil {
		log.Printf("Failed to publish reply to %s: %v", subject, err)
	}
}

// HandleRunRequest streams one envelope per event to the reply subject.
// The terminal envelope is always a result, even when the command was
// rejected before reaching the channel.
func HandleRunRequest(msg *nats.Msg, nc publisher, session *service.Session) {
	var req model.RunCommand
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Printf("Failed to parse run request: %v", err)
		return
	}
	if msg.Reply == "" {
		log.Printf("Run request without a reply subject, dropping")
		return
	}

	traceID := uuid.New().String()
	publish := func(envelope model.Envelope) {
		respond(nc, msg.Reply, envelope)
	}

	err := session.Run(context.Background(), traceID, req.Language, req.Code, publish)
	if err != nil {
		publish(model.NewEnvelope(model.TypeStderr, err.Error()))
		publish(model.NewEnvelope(model.TypeResult, model.ResultData{ExitCode: model.ExitRejected}))
	}
}

// HandleChatRequest forwards a conversation to the selected model provider.
func HandleChatRequest(msg *nats.Msg, nc publisher, session *service.Session) {
	var req model.ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Printf("Failed to parse chat request: %v", err)
		return
	}
	if msg.Reply == "" {
		log.Printf("Chat request without a reply subject, dropping")
		return
	}

	res := session.Chat(context.Background(), req)
	respond(nc, msg.Reply, res)
}

// CredentialRequest carries vault operations. Key is only set for store.
type CredentialRequest struct {
	Key      string `json:"key,omitempty"`
	Password string `json:"password"`
}

// HandleCredentialStore seals and persists a new API key.
func HandleCredentialStore(msg *nats.Msg, nc publisher, session *service.Session) {
	var req CredentialRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Printf("Failed to parse credential request: %v", err)
		return
	}
	if msg.Reply == "" {
		log.Printf("Credential request without a reply subject, dropping")
		return
	}

	reply := StatusReply{Success: true}
	if err := session.StoreCredential(req.Key, req.Password); err != nil {
		reply = StatusReply{Error: err.Error()}
	}
	respond(nc, msg.Reply, reply)
}

// HandleCredentialUnlock checks a password against the sealed credential.
// The error text is forwarded verbatim; it is already designed not to say
// why decryption failed.
func HandleCredentialUnlock(msg *nats.Msg, nc publisher, session *service.Session) {
	var req CredentialRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Printf("Failed to parse credential request: %v", err)
		return
	}
	if msg.Reply == "" {
		log.Printf("Credential request without a reply subject, dropping")
		return
	}

	reply := StatusReply{Success: true}
	if err := session.Unlock(req.Password); err != nil {
		reply = StatusReply{Error: err.Error()}
	}
	respond(nc, msg.Reply, reply)
}

// PreferenceRequest selects a provider.
type PreferenceRequest struct {
	ModelProvider     string `json:"model_provider,omitempty"`
	ExecutionProvider string `json:"execution_provider,omitempty"`
}

// HandlePreferenceSet persists provider selections.
func HandlePreferenceSet(msg *nats.Msg, nc publisher, session *service.Session) {
	var req PreferenceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Printf("Failed to parse preference request: %v", err)
		return
	}
	if msg.Reply == "" {
		log.Printf("Preference request without a reply subject, dropping")
		return
	}

	reply := StatusReply{Success: true}
	if req.ModelProvider != "" {
		if err := session.SetModelProvider(req.ModelProvider); err != nil {
			reply = StatusReply{Error: err.Error()}
		}
	}
	if reply.Success && req.ExecutionProvider != "" {
		if err := session.SetExecutionProvider(req.ExecutionProvider); err != nil {
			reply = StatusReply{Error: err.Error()}
		}
	}
	respond(nc, msg.Reply, reply)
}
