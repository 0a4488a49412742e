package astrunner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// containerAPI is the slice of the Docker client the runner uses.
// *client.Client satisfies it; tests substitute a fake.
type containerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

const workspacePath = "/workspace"

// stopGrace is how long a stopped container gets to exit on SIGTERM
// before the daemon sends SIGKILL.
const stopGraceSeconds = 10

// ensureImage pulls the analyzer image when it is not present locally.
func ensureImage(ctx context.Context, api containerAPI, ref string) error {
	if _, err := api.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return err
	}

	rc, err := api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull only completes once the body is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

// createContainer builds the analyzer container with the repository
// mounted read-only and the graph credentials in the environment.
func createContainer(ctx context.Context, api containerAPI, ref, name, repoPath string, env []string) (string, error) {
	cfg := &container.Config{
		Image: ref,
		Env:   env,
		Labels: map[string]string{
			"com.codestory.step": "ast",
		},
	}
	host := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   repoPath,
			Target:   workspacePath,
			ReadOnly: true,
		}},
	}
	resp, err := api.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// stopContainer asks the daemon to SIGTERM the container with the
// grace window, then SIGKILL. Missing containers are fine: stops are
// idempotent.
func stopContainer(api containerAPI, containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), (stopGraceSeconds+20)*time.Second)
	defer cancel()
	grace := stopGraceSeconds
	err := api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// removeContainer force-removes the container, tolerating absence.
func removeContainer(api containerAPI, containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

var progressPattern = regexp.MustCompile(`Progress:\s*(\d+)\s*%`)

// logScanner consumes the analyzer's demuxed output: it parses
// `Progress: N%` lines from stdout and keeps a tail of recent lines
// from both streams for failure reports.
type logScanner struct {
	mu       sync.Mutex
	tail     []string
	tailSize int
	parsed   bool
	onStdout func(percent int)
}

func newLogScanner(onStdout func(percent int)) *logScanner {
	return &logScanner{tailSize: 20, onStdout: onStdout}
}

// consume demuxes the docker log stream until EOF.
func (s *logScanner) consume(logs io.Reader) {
	stdout := &lineWriter{emit: s.stdoutLine}
	stderr := &lineWriter{emit: s.appendTail}
	_, _ = stdcopy.StdCopy(stdout, stderr, logs)
	stdout.flush()
	stderr.flush()
}

func (s *logScanner) stdoutLine(line string) {
	s.appendTail(line)
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 || n > 100 {
		return
	}
	s.mu.Lock()
	s.parsed = true
	s.mu.Unlock()
	if s.onStdout != nil {
		s.onStdout(n)
	}
}

func (s *logScanner) appendTail(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = append(s.tail, line)
	if len(s.tail) > s.tailSize {
		s.tail = s.tail[len(s.tail)-s.tailSize:]
	}
}

// sawProgress reports whether any Progress line has been parsed, which
// switches off the linear fallback.
func (s *logScanner) sawProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parsed
}

// lastLines returns the captured output tail.
func (s *logScanner) lastLines() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.tail, "\n")
}

// lineWriter splits a byte stream into lines for a callback.
type lineWriter struct {
	emit func(line string)
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.emit(string(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

// analyzerProgress maps the analyzer's own percentage into the 20-90
// band the step reserves for the container run.
func analyzerProgress(n int) float64 {
	return 20 + float64(n)*0.7
}

// buildEnv assembles the container environment from the step config.
func buildEnv(jobID string, cfg envConfig) []string {
	env := []string{
		"REPO_PATH=" + workspacePath,
		"JOB_ID=" + jobID,
	}
	add := func(key, val string) {
		if val != "" {
			env = append(env, key+"="+val)
		}
	}
	add("NEO4J_URI", cfg.GraphURI)
	add("NEO4J_USERNAME", cfg.GraphUsername)
	add("NEO4J_PASSWORD", cfg.GraphPassword)
	add("NEO4J_DATABASE", cfg.GraphDatabase)
	if len(cfg.IgnorePatterns) > 0 {
		env = append(env, "IGNORE_PATTERNS="+strings.Join(cfg.IgnorePatterns, ","))
	}
	if cfg.Incremental {
		env = append(env, "INCREMENTAL=true")
	}
	return env
}

// envConfig is the analyzer-facing slice of the step config.
type envConfig struct {
	GraphURI       string
	GraphUsername  string
	GraphPassword  string
	GraphDatabase  string
	IgnorePatterns []string
	Incremental    bool
}

func containerName(jobID string) string {
	return fmt.Sprintf("codestory-ast-%s", jobID)
}
