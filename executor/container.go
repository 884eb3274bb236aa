package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"cellengine/model"
)

const sandboxDir = "/sandbox"

// ContainerProvider executes cells inside a dedicated Docker container.
// The container is exclusively owned by one channel, created at bootstrap
// and removed on Close. Preload packages are expected to ship with the
// image since the sandbox runs without network access.
type ContainerProvider struct {
	dockerClient *client.Client
	image        string
	containerID  string
	requirements []string
	logger       *logrus.Logger
}

// NewContainerProvider creates a provider that will run cells in a fresh
// container of the given image.
func NewContainerProvider(image string, requirements []string, logger *logrus.Logger) (*ContainerProvider, error) {
	dockerClient, err := client.NewClientWithOpts()
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %v", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ContainerProvider{
		dockerClient: dockerClient,
		image:        image,
		requirements: requirements,
		logger:       logger,
	}, nil
}

func (p *ContainerProvider) Name() string { return model.ExecProviderContainer }

// Bootstrap creates and starts the sandbox container, stages the harness
// inside it, and verifies the interpreter and preload packages.
func (p *ContainerProvider) Bootstrap(ctx context.Context, emit func(model.Envelope)) error {
	emit(model.NewEnvelope(model.TypeStatus, "starting sandbox container"))

	config := &container.Config{
		Image: p.image,
		Tty:   true,
		Cmd:   []string{"sleep", "infinity"},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   600 * 1024 * 1024, // 600MB
			NanoCPUs: 1000000000,        // 1 CPU
		},
		NetworkMode: "none",
	}

	resp, err := p.dockerClient.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create container: %v", err)
	}
	if err := p.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.dockerClient.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %v", err)
	}
	p.containerID = resp.ID
	p.logger.WithFields(logrus.Fields{
		"container": resp.ID[:12],
		"image":     p.image,
	}).Info("Started sandbox container")

	emit(model.NewEnvelope(model.TypeStatus, "loading runtime"))
	if out, err := p.execOutput(ctx, nil, "python3", "--version"); err != nil {
		return fmt.Errorf("interpreter not available in image %q: %v: %s", p.image, err, out)
	}

	stage := fmt.Sprintf("mkdir -p %s && cat > %s/harness.py", sandboxDir, sandboxDir)
	if out, err := p.execOutput(ctx, strings.NewReader(harnessSource), "sh", "-c", stage); err != nil {
		return fmt.Errorf("stage harness: %v: %s", err, out)
	}

	// Offline sandbox: packages cannot be installed here, only verified.
	for _, pkg := range p.requirements {
		emit(model.NewEnvelope(model.TypeStatus, "checking "+pkg))
		if out, err := p.execOutput(ctx, nil, "python3", "-m", "pip", "show", "--quiet", pkg); err != nil {
			p.logger.WithFields(logrus.Fields{
				"package": pkg,
				"output":  strings.TrimSpace(out),
			}).Warn("Preload package missing from sandbox image")
		}
	}

	return nil
}

// Run copies the cell into the container and executes it under the harness,
// streaming protocol events back.
func (p *ContainerProvider) Run(ctx context.Context, code string, emit func(model.Envelope)) (int, error) {
	cellPath := sandboxDir + "/" + languageConfigs["python"].File
	write := fmt.Sprintf("cat > %s", cellPath)
	if out, err := p.execOutput(ctx, strings.NewReader(code), "sh", "-c", write); err != nil {
		return 0, fmt.Errorf("write cell script: %v: %s", err, out)
	}

	cmd := exec.CommandContext(ctx, "docker", "exec", p.containerID,
		"python3", sandboxDir+"/harness.py", cellPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderrBuf limitedWriter
	stderrBuf.limit = maxOutputBytes
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start harness: %w", err)
	}

	exitCode, sawResult, scanErr := scanHarnessProtocol(stdout, emit)

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return 0, fmt.Errorf("execution timed out after %v", languageConfigs["python"].Timeout)
	}
	if scanErr != nil {
		return 0, scanErr
	}
	if !sawResult {
		msg := strings.TrimSpace(stderrBuf.String())
		if msg == "" && waitErr != nil {
			msg = waitErr.Error()
		}
		return 0, fmt.Errorf("harness exited without a result: %s", msg)
	}

	return exitCode, nil
}

// Close removes the sandbox container.
func (p *ContainerProvider) Close() error {
	if p.containerID == "" {
		return nil
	}
	ctx := context.Background()
	if err := p.dockerClient.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true}); err != nil {
		p.logger.WithFields(logrus.Fields{
			"container": p.containerID[:12],
			"error":     err,
		}).Warn("Failed to remove container")
		return err
	}
	p.logger.WithFields(logrus.Fields{"container": p.containerID[:12]}).Info("Removed sandbox container")
	p.containerID = ""
	return nil
}

// execOutput runs a command inside the container and returns its combined
// output.
func (p *ContainerProvider) execOutput(ctx context.Context, stdin *strings.Reader, args ...string) (string, error) {
	dockerArgs := []string{"exec"}
	if stdin != nil {
		dockerArgs = append(dockerArgs, "-i")
	}
	dockerArgs = append(dockerArgs, p.containerID)
	dockerArgs = append(dockerArgs, args...)

	cmd := exec.CommandContext(ctx, "docker", dockerArgs...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}
