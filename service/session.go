package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap/zapcore"

	"cellengine/cell"
	"cellengine/executor"
	"cellengine/internal"
	"cellengine/logger"
	"cellengine/model"
	"cellengine/store"
	"cellengine/vault"
)

var (
	// ErrLocked means the remote provider was asked for a credential
	// before any password unlocked the vault this session.
	ErrLocked = errors.New("credential locked, unlock with the vault password first")

	// ErrUnknownProvider rejects a provider name nothing is registered
	// under.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Renderer is an external embed runtime (a component-UI or notebook page
// widget). It accepts source text plus a requirements list; nothing else
// is assumed about its internals.
type Renderer interface {
	Render(source string, requirements []string) error
}

// Session owns what used to be page-global state: the execution channel,
// the cell log, the vault, the preference store, the chat providers, and
// the password supplied this session. Tests construct a fresh Session
// instead of sharing process-wide globals.
type Session struct {
	channel  *executor.Channel
	prefs    *store.Store
	vault    *vault.Vault
	chat     map[string]internal.ChatProvider
	streamer *logger.LogStreamer

	mu       sync.Mutex
	log      *cell.Log
	observer func(model.Envelope)
	password string

	runMu sync.Mutex

	dispatchDone chan struct{}
}

// NewSession wires a session over an already-constructed channel. The
// sealed credential, if one was persisted, is loaded into the vault; the
// plaintext stays locked until a password is supplied.
func NewSession(channel *executor.Channel, prefs *store.Store, chat []internal.ChatProvider, streamer *logger.LogStreamer) *Session {
	s := &Session{
		channel:      channel,
		prefs:        prefs,
		vault:        vault.New(),
		chat:         make(map[string]internal.ChatProvider),
		streamer:     streamer,
		log:          cell.NewLog(),
		dispatchDone: make(chan struct{}),
	}
	for _, provider := range chat {
		s.chat[provider.Name()] = provider
	}
	if sealed := prefs.Get(store.KeySealedCredential, ""); sealed != "" {
		s.vault.Configure(sealed)
	}

	go s.dispatch()
	return s
}

// Vault exposes the session's credential vault, e.g. for building a
// remote chat provider around it.
func (s *Session) Vault() *vault.Vault {
	return s.vault
}

// dispatch is the single consumer of the channel's event stream: every
// event is folded into the cell log and forwarded to the current run's
// observer.
func (s *Session) dispatch() {
	defer close(s.dispatchDone)
	for envelope := range s.channel.Events() {
		s.mu.Lock()
		s.log.Apply(envelope)
		observer := s.observer
		s.mu.Unlock()
		if observer != nil {
			observer(envelope)
		}
	}
}

func (s *Session) setObserver(observer func(model.Envelope)) {
	s.mu.Lock()
	s.observer = observer
	s.mu.Unlock()
}

// Run submits one cell and blocks until its terminal result event has been
// dispatched, forwarding every event to observe along the way. Runs are
// strictly serialized; a queued run waits its turn rather than being
// dropped.
func (s *Session) Run(ctx context.Context, traceID, language, code string, observe func(model.Envelope)) error {
	if err := internal.ValidateCode(code); err != nil {
		return err
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	s.setObserver(func(envelope model.Envelope) {
		// Nothing for this run is forwarded after its result.
		select {
		case <-done:
			return
		default:
		}
		if observe != nil {
			observe(envelope)
		}
		if envelope.Type == model.TypeResult {
			once.Do(func() { close(done) })
		}
	})
	defer s.setObserver(nil)

	if err := s.channel.Submit(language, code); err != nil {
		s.logRun(zapcore.ErrorLevel, traceID, "Run rejected", map[string]any{
			"language": language,
			"error":    err.Error(),
		})
		return err
	}
	s.logRun(zapcore.InfoLevel, traceID, "Run submitted", map[string]any{
		"language": language,
		"bytes":    len(code),
	})

	select {
	case <-done:
		return nil
	case <-s.dispatchDone:
		return executor.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Chat produces the next model reply using the currently selected provider.
// A failed call is surfaced once; no automatic retry.
func (s *Session) Chat(ctx context.Context, req model.ChatRequest) model.ChatResponse {
	name := s.prefs.Get(store.KeyModelProvider, model.ModelProviderLocal)
	provider, ok := s.chat[name]
	if !ok {
		provider, ok = s.chat[model.ModelProviderLocal]
		if !ok {
			return model.ChatResponse{
				Error:         ErrUnknownProvider.Error(),
				StatusMessage: "No model provider available",
			}
		}
	}

	reply, err := provider.Chat(ctx, req)
	if err != nil {
		return model.ChatResponse{
			Error:         err.Error(),
			StatusMessage: "Model call failed",
		}
	}
	return model.ChatResponse{
		Reply:         reply,
		StatusMessage: "Success",
		Success:       true,
	}
}

// StoreCredential seals a new API key under password and persists the
// blob. The plaintext never reaches the store.
func (s *Session) StoreCredential(plaintext, password string) error {
	sealed, err := s.vault.Store(plaintext, password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.password = password
	s.mu.Unlock()
	return s.prefs.Set(store.KeySealedCredential, sealed)
}

// Unlock proves the password against the sealed credential and retains it
// for the session. A wrong password leaves any earlier unlock intact.
func (s *Session) Unlock(password string) error {
	if _, err := s.vault.Key(password); err != nil {
		return err
	}
	s.mu.Lock()
	s.password = password
	s.mu.Unlock()
	return nil
}

// Credential returns the unsealed API key for this session, for use as a
// bearer token. It fails with ErrLocked until Unlock or StoreCredential
// has succeeded.
func (s *Session) Credential() (string, error) {
	s.mu.Lock()
	password := s.password
	s.mu.Unlock()
	if password == "" {
		return "", ErrLocked
	}
	return s.vault.Key(password)
}

// SetModelProvider persists the model provider selection.
func (s *Session) SetModelProvider(name string) error {
	if _, ok := s.chat[name]; !ok {
		return ErrUnknownProvider
	}
	return s.prefs.Set(store.KeyModelProvider, name)
}

// SetExecutionProvider persists the execution provider selection. The
// channel is bound at construction, so the choice takes effect on the next
// start; in-flight runs are never torn down implicitly.
func (s *Session) SetExecutionProvider(name string) error {
	switch name {
	case model.ExecProviderSubprocess, model.ExecProviderContainer, model.ExecProviderNotebook:
		return s.prefs.Set(store.KeyExecProvider, name)
	}
	return ErrUnknownProvider
}

// RenderEmbed hands source text to an external embed runtime.
func (s *Session) RenderEmbed(renderer Renderer, source string, requirements []string) error {
	return renderer.Render(source, requirements)
}

// Snapshot returns a copy of the current cell log for rendering or
// assertions.
func (s *Session) Snapshot() cell.Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := *s.log
	snapshot.Cells = append([]cell.Cell(nil), s.log.Cells...)
	return snapshot
}

// ChannelState reports the execution channel's lifecycle state.
func (s *Session) ChannelState() executor.ChannelState {
	return s.channel.State()
}

// Close tears the session down. Restarting requires a full new bootstrap.
func (s *Session) Close() {
	s.channel.Close()
	<-s.dispatchDone
}

func (s *Session) logRun(level zapcore.Level, traceID, message string, attributes map[string]any) {
	if s.streamer == nil {
		return
	}
	s.streamer.Log(level, traceID, message, attributes, "service")
}
