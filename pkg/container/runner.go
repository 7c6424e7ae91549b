package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/jsclaw/jsclaw/pkg/events"
	"github.com/jsclaw/jsclaw/pkg/log"
	"github.com/jsclaw/jsclaw/pkg/metrics"
	"github.com/jsclaw/jsclaw/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	outputStartMarker = "---JSCLAW_OUTPUT_START---"
	outputEndMarker   = "---JSCLAW_OUTPUT_END---"

	readChunkSize = 32 * 1024

	// stderrCaptureLimit bounds how much of a container's stderr is
	// held in memory; only the tail of it is ever reported back in an
	// error message, so unbounded growth buys nothing but host memory
	// pressure from a container that writes to stderr continuously.
	stderrCaptureLimit = 64 * 1024
)

// tailCapture is an io.Writer that keeps only the last limit bytes
// written to it, discarding older bytes as new ones arrive.
type tailCapture struct {
	limit int
	buf   []byte
}

func newTailCapture(limit int) *tailCapture {
	return &tailCapture{limit: limit}
}

func (t *tailCapture) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailCapture) Bytes() []byte {
	return t.buf
}

// RunConfig carries the knobs run_agent needs from the process-wide
// configuration, kept as a plain struct here rather than importing
// pkg/config so the two packages don't depend on each other.
type RunConfig struct {
	Runtime          string // docker, podman, container
	Image            string
	GroupsDir        string
	DataDir          string
	ContainerTimeout time.Duration
	MaxOutputSize    int
	AnthropicAPIKey  string
}

// Callbacks is the inversion-of-control pair a caller supplies to
// RunAgent. OnProcess fires synchronously right after a successful
// spawn, so the caller can register the live process handle before
// RunAgent blocks on the child's output. This is how the queue gets a
// handle to forward input into a container it didn't itself spawn.
// OnOutput fires for each parsed ContainerOutput, in stdout order; an
// error it returns is logged and swallowed, never propagated.
type Callbacks interface {
	OnProcess(proc *os.Process, containerName string)
	OnOutput(output types.ContainerOutput) error
}

// Runner spawns and supervises container invocations.
type Runner struct {
	cfg    RunConfig
	events *events.Broker
}

// NewRunner creates a Runner bound to cfg.
func NewRunner(cfg RunConfig, bus *events.Broker) *Runner {
	return &Runner{cfg: cfg, events: bus}
}

// RunAgent spawns a container for group, feeds it input over stdin, and
// blocks until the container's final ContainerOutput resolves: success,
// a parse-failure fallback, an idle timeout, an output-size-overrun
// kill, or a nonzero exit.
func (r *Runner) RunAgent(
	ctx context.Context,
	group types.RegisteredGroup,
	input types.ContainerInput,
	env map[string]string,
	additionalMounts []types.Mount,
	callbacks Callbacks,
) (types.ContainerOutput, error) {
	logger := log.WithContainer(group.Folder)
	containerName := fmt.Sprintf("jsclaw-%s-%d", group.Folder, time.Now().UnixMilli())

	if err := r.ensureDirs(group.Folder); err != nil {
		return types.ContainerOutput{}, fmt.Errorf("preparing directories: %w", err)
	}

	args := r.buildArgs(containerName, group.Folder, env, additionalMounts)

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, r.cfg.Runtime, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return types.ContainerOutput{}, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return types.ContainerOutput{}, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrBuf := newTailCapture(stderrCaptureLimit)
	cmd.Stderr = stderrBuf

	if err := cmd.Start(); err != nil {
		return types.ContainerOutput{}, fmt.Errorf("unable to spawn container: %w", err)
	}
	metrics.ContainersSpawnedTotal.Inc()
	spawnedAt := time.Now()
	if r.events != nil {
		r.events.Publish(&events.Event{Type: events.GroupContainerSpawned, Metadata: map[string]string{"group_folder": group.Folder, "container_name": containerName}})
	}

	if callbacks != nil {
		callbacks.OnProcess(cmd.Process, containerName)
	}

	go func() {
		payload, err := json.Marshal(input)
		if err != nil {
			logger.Error().Err(err).Msg("failed to marshal container input")
			_ = stdin.Close()
			return
		}
		_, _ = stdin.Write(payload)
		_ = stdin.Close()
	}()

	session := newReadSession(logger, r.cfg.MaxOutputSize, callbacks)

	timeout := r.cfg.ContainerTimeout
	idleTimer := time.AfterFunc(timeout, func() {
		session.markTimedOut(timeout)
		r.terminate(containerName)
	})
	defer idleTimer.Stop()
	session.onOutputObserved = func() { idleTimer.Reset(timeout) }
	session.onSizeOverrun = func() { r.terminate(containerName) }

	drainStdout(stdout, session)

	waitErr := cmd.Wait()
	metrics.ContainerLifetimeSeconds.Observe(time.Since(spawnedAt).Seconds())
	if r.events != nil {
		r.events.Publish(&events.Event{Type: events.GroupContainerExited, Metadata: map[string]string{"group_folder": group.Folder, "container_name": containerName}})
	}

	result := session.resolve(waitErr, stderrBuf.Bytes())
	if result.Status == types.StatusError {
		metrics.ContainersFailedTotal.Inc()
	}
	return result, nil
}

// WriteTasksSnapshot writes the group's current task list as pretty
// JSON under <groups_dir>/<folder>/current_tasks.json. Only safe to
// call when no container is actively reading the group directory
// (pre-spawn): this is a best-effort snapshot write with no atomic
// rename.
func WriteTasksSnapshot(groupsDir, folder string, tasks interface{}) error {
	dir := filepath.Join(groupsDir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure group dir: %w", err)
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks snapshot: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "current_tasks.json"), data, 0o644)
}

func (r *Runner) ensureDirs(folder string) error {
	dirs := []string{
		filepath.Join(r.cfg.GroupsDir, folder),
		filepath.Join(r.cfg.DataDir, "ipc", folder, "messages"),
		filepath.Join(r.cfg.DataDir, "ipc", folder, "tasks"),
		filepath.Join(r.cfg.DataDir, "ipc", folder, "input"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) buildArgs(containerName, folder string, env map[string]string, additionalMounts []types.Mount) []string {
	args := []string{"run", "-i", "--rm", "--name", containerName}

	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if r.cfg.AnthropicAPIKey != "" {
		args = append(args, "-e", fmt.Sprintf("ANTHROPIC_API_KEY=%s", r.cfg.AnthropicAPIKey))
	}

	mounts := r.baseMounts(folder)
	for _, m := range additionalMounts {
		mounts = append(mounts, specs.Mount{
			Source:      m.HostPath,
			Destination: m.ContainerPath,
			Type:        "bind",
			Options:     readOnlyOptions(m.ReadOnly),
		})
	}
	for _, m := range mounts {
		args = append(args, renderMountFlag(m)...)
	}

	args = append(args, r.cfg.Image)
	return args
}

func (r *Runner) baseMounts(folder string) []specs.Mount {
	ipcDir := filepath.Join(r.cfg.DataDir, "ipc", folder)
	return []specs.Mount{
		{Source: filepath.Join(r.cfg.GroupsDir, folder), Destination: "/workspace/group", Type: "bind"},
		{Source: filepath.Join(ipcDir, "messages"), Destination: "/workspace/ipc/messages", Type: "bind"},
		{Source: filepath.Join(ipcDir, "tasks"), Destination: "/workspace/ipc/tasks", Type: "bind"},
		{Source: filepath.Join(ipcDir, "input"), Destination: "/workspace/ipc/input", Type: "bind"},
	}
}

func readOnlyOptions(ro bool) []string {
	if ro {
		return []string{"ro", "bind"}
	}
	return []string{"rw", "bind"}
}

// renderMountFlag renders one mount as CLI flags. A read-only mount
// uses the explicit --mount form, which is the form that carries a
// readonly token; everything else uses the terser -v form.
func renderMountFlag(m specs.Mount) []string {
	readOnly := false
	for _, opt := range m.Options {
		if opt == "ro" {
			readOnly = true
		}
	}
	if readOnly {
		return []string{"--mount", fmt.Sprintf("type=bind,source=%s,target=%s,readonly", m.Source, m.Destination)}
	}
	return []string{"-v", fmt.Sprintf("%s:%s", m.Source, m.Destination)}
}

func (r *Runner) terminate(containerName string) {
	if err := exec.Command(r.cfg.Runtime, "stop", containerName).Run(); err != nil {
		_ = exec.Command(r.cfg.Runtime, "kill", containerName).Run()
	}
}

// readSession accumulates the framing state for one container's stdout
// stream: the last parsed output plus the timeout/overrun flags the
// runner's idle timer and size ceiling flip.
type readSession struct {
	mu            sync.Mutex
	logger        zerolog.Logger
	maxOutputSize int
	callbacks     Callbacks

	onOutputObserved func()
	onSizeOverrun    func()

	lastOutput *types.ContainerOutput
	timedOut   bool
	timeoutDur time.Duration
	sizeKilled bool
}

func newReadSession(logger zerolog.Logger, maxOutputSize int, callbacks Callbacks) *readSession {
	return &readSession{logger: logger, maxOutputSize: maxOutputSize, callbacks: callbacks}
}

func (s *readSession) markTimedOut(timeout time.Duration) {
	s.mu.Lock()
	s.timedOut = true
	s.timeoutDur = timeout
	s.mu.Unlock()
}

func (s *readSession) resolve(waitErr error, stderr []byte) types.ContainerOutput {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timedOut {
		out := types.ContainerOutput{
			Status: types.StatusError,
			Error:  fmt.Sprintf("Container timed out after %dms", s.timeoutDur.Milliseconds()),
		}
		if s.lastOutput != nil {
			out.Result = s.lastOutput.Result
			out.NewSessionID = s.lastOutput.NewSessionID
		}
		return out
	}

	if s.lastOutput != nil {
		return *s.lastOutput
	}

	exitCode := 0
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		exitCode = -1
	}

	if exitCode == 0 {
		return types.ContainerOutput{Status: types.StatusSuccess, Result: nil}
	}

	tail := stderr
	if len(tail) > 500 {
		tail = tail[len(tail)-500:]
	}
	return types.ContainerOutput{
		Status: types.StatusError,
		Error:  fmt.Sprintf("Container exited with code %d. stderr: %s", exitCode, string(tail)),
	}
}

// frame delivers one parsed output to the session: records it as
// last_output, resets the idle timer, and invokes the caller's
// callback (errors from which are logged, not propagated).
func (s *readSession) frame(output types.ContainerOutput) {
	s.mu.Lock()
	out := output
	s.lastOutput = &out
	observed := s.onOutputObserved
	callbacks := s.callbacks
	s.mu.Unlock()

	if observed != nil {
		observed()
	}
	if callbacks != nil {
		if err := callbacks.OnOutput(output); err != nil {
			s.logger.Warn().Err(err).Msg("on_output callback failed")
		}
	}
}

func (s *readSession) noteBytes(total int) {
	if s.maxOutputSize <= 0 || total <= s.maxOutputSize {
		return
	}
	s.mu.Lock()
	already := s.sizeKilled
	s.sizeKilled = true
	overrun := s.onSizeOverrun
	s.mu.Unlock()
	if !already && overrun != nil {
		overrun()
	}
}

// drainStdout reads stdout in chunks, extracting each sentinel-framed
// JSON document as soon as both markers are seen and delivering it to
// session.frame, tolerating a start marker with no end marker yet by
// leaving the buffer tail in place for the next read.
func drainStdout(stdout io.Reader, session *readSession) {
	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)

	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			session.noteBytes(buf.Len())
			drainFrames(&buf, session)
		}
		if err != nil {
			return
		}
	}
}

func drainFrames(buf *bytes.Buffer, session *readSession) {
	for {
		data := buf.Bytes()
		startIdx := bytes.Index(data, []byte(outputStartMarker))
		if startIdx < 0 {
			return
		}
		afterStart := startIdx + len(outputStartMarker)
		endIdx := bytes.Index(data[afterStart:], []byte(outputEndMarker))
		if endIdx < 0 {
			return
		}
		endIdx += afterStart

		payload := bytes.TrimSpace(data[afterStart:endIdx])
		consumed := endIdx + len(outputEndMarker)

		var output types.ContainerOutput
		if err := json.Unmarshal(payload, &output); err != nil {
			preview := string(payload)
			if len(preview) > 200 {
				preview = preview[:200]
			}
			output = types.ContainerOutput{
				Status: types.StatusError,
				Result: nil,
				Error:  fmt.Sprintf("Failed to parse output: %s", preview),
			}
		}
		session.frame(output)

		remaining := append([]byte(nil), buf.Bytes()[consumed:]...)
		buf.Reset()
		buf.Write(remaining)
	}
}
