package natshandler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellengine/executor"
	"cellengine/internal"
	"cellengine/model"
	"cellengine/service"
	"cellengine/store"
)

type fakeProvider struct {
	runEvents []model.Envelope
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Bootstrap(_ context.Context, emit func(model.Envelope)) error {
	emit(model.NewEnvelope(model.TypeStatus, "loading runtime"))
	return nil
}

func (f *fakeProvider) Run(_ context.Context, _ string, emit func(model.Envelope)) (int, error) {
	for _, envelope := range f.runEvents {
		emit(envelope)
	}
	return 0, nil
}

func (f *fakeProvider) Close() error { return nil }

// fakeConn records published messages per subject.
type fakeConn struct {
	published []*nats.Msg
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.published = append(f.published, &nats.Msg{Subject: subject, Data: data})
	return nil
}

func newHandlerFixture(t *testing.T, provider executor.Provider) (*service.Session, *fakeConn) {
	t.Helper()
	prefs, err := store.Open(filepath.Join(t.TempDir(), "prefs.json"))
	require.NoError(t, err)

	channel := executor.NewChannel(provider, 4, nil)
	session := service.NewSession(channel, prefs, []internal.ChatProvider{internal.LocalStub{}}, nil)
	t.Cleanup(session.Close)
	return session, &fakeConn{}
}

func request(t *testing.T, reply string, payload any) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &nats.Msg{Subject: "cells.test", Reply: reply, Data: data}
}

func decodeEnvelopes(t *testing.T, published []*nats.Msg) []model.Envelope {
	t.Helper()
	var envelopes []model.Envelope
	for _, msg := range published {
		var envelope model.Envelope
		require.NoError(t, json.Unmarshal(msg.Data, &envelope))
		envelopes = append(envelopes, envelope)
	}
	return envelopes
}

func TestHandleRunRequestStreamsToReplySubject(t *testing.T) {
	provider := &fakeProvider{
		runEvents: []model.Envelope{model.NewEnvelope(model.TypeStdout, "hi\n")},
	}
	session, nc := newHandlerFixture(t, provider)

	HandleRunRequest(request(t, "inbox.1", model.RunCommand{Language: "python", Code: `print("hi")`}), nc, session)

	require.NotEmpty(t, nc.published)
	for _, msg := range nc.published {
		assert.Equal(t, "inbox.1", msg.Subject)
	}
	envelopes := decodeEnvelopes(t, nc.published)

	var sawStdout bool
	var results int
	for _, envelope := range envelopes {
		switch envelope.Type {
		case model.TypeStdout:
			sawStdout = true
		case model.TypeResult:
			results++
		}
	}
	assert.True(t, sawStdout)
	assert.Equal(t, 1, results)
	result, ok := envelopes[len(envelopes)-1].Result()
	require.True(t, ok)
	assert.Equal(t, model.ExitOK, result.ExitCode)
}

func TestHandleRunRequestRejectionStillTerminates(t *testing.T) {
	session, nc := newHandlerFixture(t, &fakeProvider{})

	HandleRunRequest(request(t, "inbox.1", model.RunCommand{Language: "python", Code: ""}), nc, session)

	envelopes := decodeEnvelopes(t, nc.published)
	require.NotEmpty(t, envelopes)
	result, ok := envelopes[len(envelopes)-1].Result()
	require.True(t, ok)
	assert.Equal(t, model.ExitRejected, result.ExitCode)
}

func TestHandlersDropRequestsWithoutReplySubject(t *testing.T) {
	session, nc := newHandlerFixture(t, &fakeProvider{})

	HandleRunRequest(request(t, "", model.RunCommand{Language: "python", Code: "1"}), nc, session)
	HandleChatRequest(request(t, "", model.ChatRequest{}), nc, session)
	HandleCredentialStore(request(t, "", CredentialRequest{Key: "sk", Password: "pw"}), nc, session)
	HandleCredentialUnlock(request(t, "", CredentialRequest{Password: "pw"}), nc, session)
	HandlePreferenceSet(request(t, "", PreferenceRequest{ModelProvider: "local"}), nc, session)

	assert.Empty(t, nc.published)
}

func TestHandleChatRequestRepliesWithCompletion(t *testing.T) {
	session, nc := newHandlerFixture(t, &fakeProvider{})

	HandleChatRequest(request(t, "inbox.1", model.ChatRequest{
		Messages: []model.ChatMessage{{Role: "user", Content: "say hello"}},
	}), nc, session)

	require.Len(t, nc.published, 1)
	var res model.ChatResponse
	require.NoError(t, json.Unmarshal(nc.published[0].Data, &res))
	assert.True(t, res.Success)
	assert.Contains(t, res.Reply, "```python")
}

func TestHandleCredentialStoreAndUnlock(t *testing.T) {
	session, nc := newHandlerFixture(t, &fakeProvider{})

	HandleCredentialStore(request(t, "inbox.1", CredentialRequest{Key: "sk-key", Password: "pw"}), nc, session)
	HandleCredentialUnlock(request(t, "inbox.2", CredentialRequest{Password: "nope"}), nc, session)

	require.Len(t, nc.published, 2)

	var stored, unlocked StatusReply
	require.NoError(t, json.Unmarshal(nc.published[0].Data, &stored))
	require.NoError(t, json.Unmarshal(nc.published[1].Data, &unlocked))

	assert.True(t, stored.Success)
	assert.False(t, unlocked.Success)
	assert.Contains(t, unlocked.Error, "wrong password")
}

func TestHandlePreferenceSetPersistsAndValidates(t *testing.T) {
	session, nc := newHandlerFixture(t, &fakeProvider{})

	HandlePreferenceSet(request(t, "inbox.1", PreferenceRequest{ExecutionProvider: "container"}), nc, session)
	HandlePreferenceSet(request(t, "inbox.2", PreferenceRequest{ModelProvider: "acme-model"}), nc, session)

	require.Len(t, nc.published, 2)

	var accepted, rejected StatusReply
	require.NoError(t, json.Unmarshal(nc.published[0].Data, &accepted))
	require.NoError(t, json.Unmarshal(nc.published[1].Data, &rejected))

	assert.True(t, accepted.Success)
	assert.False(t, rejected.Success)
	assert.Contains(t, rejected.Error, "unknown provider")
}
