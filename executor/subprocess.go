package executor

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"cellengine/model"
)

//go:embed harness.py
var harnessSource string

const (
	maxOutputBytes = 512 * 1024

	// Protocol lines carry chunked stream output, but a rendered figure is
	// one base64 line, so the token cap has to accommodate a large image.
	maxProtocolLineBytes = 8 * 1024 * 1024
)

// SubprocessProvider executes cells with a local python interpreter. Each
// run writes the cell to a script file and invokes the harness on it; the
// harness speaks a JSON-line protocol on its real stdout while the cell's
// own output is buffered and flushed at finalization.
type SubprocessProvider struct {
	pythonBin    string
	workDir      string
	ownsWorkDir  bool
	requirements []string
	harnessPath  string
	logger       *logrus.Logger
}

// NewSubprocessProvider builds a provider around the given interpreter
// binary. requirements are preload packages installed during bootstrap.
func NewSubprocessProvider(pythonBin, workDir string, requirements []string, logger *logrus.Logger) *SubprocessProvider {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &SubprocessProvider{
		pythonBin:    pythonBin,
		workDir:      workDir,
		requirements: requirements,
		logger:       logger,
	}
}

func (p *SubprocessProvider) Name() string { return model.ExecProviderSubprocess }

// Bootstrap probes the interpreter, stages the harness, and installs the
// preload packages, reporting progress as status events.
func (p *SubprocessProvider) Bootstrap(ctx context.Context, emit func(model.Envelope)) error {
	emit(model.NewEnvelope(model.TypeStatus, "loading runtime"))

	out, err := exec.CommandContext(ctx, p.pythonBin, "--version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("interpreter %q not available: %v", p.pythonBin, err)
	}
	p.logger.WithFields(logrus.Fields{
		"interpreter": p.pythonBin,
		"version":     strings.TrimSpace(string(out)),
	}).Info("Interpreter found")

	if p.workDir == "" {
		dir, err := os.MkdirTemp("", "cellengine-*")
		if err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
		p.workDir = dir
		p.ownsWorkDir = true
	}

	p.harnessPath = filepath.Join(p.workDir, "harness.py")
	if err := os.WriteFile(p.harnessPath, []byte(harnessSource), 0o644); err != nil {
		return fmt.Errorf("stage harness: %w", err)
	}

	for _, pkg := range p.requirements {
		emit(model.NewEnvelope(model.TypeStatus, "installing "+pkg))
		cmd := exec.CommandContext(ctx, p.pythonBin, "-m", "pip", "install", "--quiet", pkg)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("install %s: %v: %s", pkg, err, strings.TrimSpace(string(out)))
		}
	}

	return nil
}

// Run writes the cell to a script file and streams the harness protocol
// back as events. The terminal result line is consumed here and returned
// as the exit code, never forwarded.
func (p *SubprocessProvider) Run(ctx context.Context, code string, emit func(model.Envelope)) (int, error) {
	config := languageConfigs["python"]

	cellPath := filepath.Join(p.workDir, config.File)
	if err := os.WriteFile(cellPath, []byte(code), 0o644); err != nil {
		return 0, fmt.Errorf("write cell script: %w", err)
	}
	defer os.Remove(cellPath)

	cmd := exec.CommandContext(ctx, p.pythonBin, p.harnessPath, cellPath)
	cmd.Dir = p.workDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderrBuf limitedWriter
	stderrBuf.limit = maxOutputBytes
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start interpreter: %w", err)
	}

	exitCode, sawResult, scanErr := scanHarnessProtocol(stdout, emit)

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return 0, fmt.Errorf("execution timed out after %v", config.Timeout)
	}
	if scanErr != nil {
		return 0, scanErr
	}
	if !sawResult {
		// The harness itself died before finalization.
		msg := strings.TrimSpace(stderrBuf.String())
		if msg == "" && waitErr != nil {
			msg = waitErr.Error()
		}
		return 0, fmt.Errorf("harness exited without a result: %s", msg)
	}

	return exitCode, nil
}

// Close removes the staged workspace if the provider created it.
func (p *SubprocessProvider) Close() error {
	if p.ownsWorkDir && p.workDir != "" {
		return os.RemoveAll(p.workDir)
	}
	return nil
}

// scanHarnessProtocol reads JSON-line envelopes from a harness run,
// forwarding output events and consuming the terminal result line. Lines
// that are not valid envelopes are ignored. On a scan failure the rest of
// the stream is drained so the interpreter never blocks on a full pipe.
func scanHarnessProtocol(r io.Reader, emit func(model.Envelope)) (exitCode int, sawResult bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxProtocolLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var envelope model.Envelope
		if err := json.Unmarshal([]byte(line), &envelope); err != nil {
			continue
		}
		if envelope.Type == model.TypeResult {
			if result, ok := envelope.Result(); ok {
				exitCode = result.ExitCode
				sawResult = true
			}
			continue
		}
		emit(envelope)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		io.Copy(io.Discard, r)
		return exitCode, sawResult, fmt.Errorf("harness protocol stream: %w", scanErr)
	}
	return exitCode, sawResult, nil
}

// limitedWriter captures up to limit bytes and discards the rest.
type limitedWriter struct {
	buf   strings.Builder
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.buf.Len() < w.limit {
		remaining := w.limit - w.buf.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		w.buf.Write(p)
	}
	return n, nil
}

func (w *limitedWriter) String() string { return w.buf.String() }
