package main

import (
	"log"
	"os"
	"os/exec"
	"strings"

	"cellengine/config"
	"cellengine/executor"
	"cellengine/internal"
	logstream "cellengine/logger"
	"cellengine/model"
	"cellengine/natshandler"
	"cellengine/service"
	"cellengine/store"

	"github.com/fatih/color"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg := config.LoadConfig()
	settings := config.LoadSettings(cfg.SettingsPath)

	color.Cyan("%s starting", settings.UI.Title)

	prefs, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Fatal("Failed to open preference store",
			zap.String("path", cfg.StorePath),
			zap.Error(err))
	}

	execLogger := newExecutorLogger()

	// Build the execution channel for the last-selected provider
	providerName := prefs.Get(store.KeyExecProvider, model.ExecProviderSubprocess)
	provider := buildProvider(providerName, settings, execLogger, logger)
	channel := executor.NewChannel(provider, cfg.MaxQueuedRuns, execLogger)

	streamer := logstream.NewLogStreamer(cfg.LogSourceToken, cfg.Environment, cfg.LogUploadURL, logger)

	// The remote chat provider unseals its key through the session, which
	// does not exist yet; the closure defers the lookup to call time.
	var session *service.Session
	remote := internal.NewRemoteClient(cfg.ChatURL, cfg.ChatModel, func() (string, error) {
		return session.Credential()
	})
	session = service.NewSession(channel, prefs,
		[]internal.ChatProvider{internal.LocalStub{}, remote}, streamer)
	defer session.Close()

	// Connect to NATS
	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		logger.Fatal("Failed to connect to NATS",
			zap.String("url", cfg.NatsURL),
			zap.Error(err))
	}
	defer nc.Close()

	// Subscribe to page requests
	nc.Subscribe("cells.execute.request", func(msg *nats.Msg) {
		natshandler.HandleRunRequest(msg, nc, session)
	})

	nc.Subscribe("cells.chat.request", func(msg *nats.Msg) {
		natshandler.HandleChatRequest(msg, nc, session)
	})

	nc.Subscribe("cells.credential.store", func(msg *nats.Msg) {
		natshandler.HandleCredentialStore(msg, nc, session)
	})

	nc.Subscribe("cells.credential.unlock", func(msg *nats.Msg) {
		natshandler.HandleCredentialUnlock(msg, nc, session)
	})

	nc.Subscribe("cells.preferences.set", func(msg *nats.Msg) {
		natshandler.HandlePreferenceSet(msg, nc, session)
	})

	color.Green("Listening on %s (execution provider: %s)", cfg.NatsURL, provider.Name())

	// Keep the service running
	select {}
}

// newExecutorLogger mirrors executor activity into its own log file.
func newExecutorLogger() *logrus.Logger {
	execLogger := logrus.New()
	if err := os.MkdirAll("logs", 0o755); err != nil {
		log.Printf("Warning: cannot create logs dir: %v", err)
		return execLogger
	}
	logFile, err := os.OpenFile("logs/executor.log", os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		log.Printf("Warning: cannot open executor log file: %v", err)
		return execLogger
	}
	execLogger.SetOutput(logFile)
	return execLogger
}

// buildProvider constructs the sandbox runtime named by the persisted
// preference, falling back to the local subprocess provider.
func buildProvider(name string, settings config.Settings, execLogger *logrus.Logger, logger *zap.Logger) executor.Provider {
	switch name {
	case model.ExecProviderContainer:
		provider, err := executor.NewContainerProvider(settings.Runtime.SandboxImage, settings.Requirements, execLogger)
		if err != nil {
			logger.Fatal("Failed to create container provider", zap.Error(err))
		}
		return provider
	case model.ExecProviderNotebook:
		return executor.NewNotebookProvider(
			settings.Runtime.NotebookHost,
			settings.Runtime.NotebookPort,
			settings.Runtime.NotebookToken,
			"python3",
			settings.Requirements,
			execLogger)
	default:
		if !checkIfInterpreterExists(settings.Runtime.PythonBin) {
			color.Yellow("Interpreter %q not found in PATH; runs will fail until it is installed", settings.Runtime.PythonBin)
		}
		return executor.NewSubprocessProvider(settings.Runtime.PythonBin, "", settings.Requirements, execLogger)
	}
}

// checkIfInterpreterExists checks if the python interpreter is reachable
func checkIfInterpreterExists(pythonBin string) bool {
	cmd := exec.Command(pythonBin, "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Println("Error checking interpreter:", err)
		return false
	}
	return strings.TrimSpace(string(output)) != ""
}
