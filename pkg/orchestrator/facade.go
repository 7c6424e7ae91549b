package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jsclaw/jsclaw/pkg/container"
	"github.com/jsclaw/jsclaw/pkg/mount"
	"github.com/jsclaw/jsclaw/pkg/queue"
	"github.com/jsclaw/jsclaw/pkg/types"
)

// Facade is the orchestration entry point: one RunContainerAgent call
// per group turn, backed by a container.Runner for the subprocess and
// a queue.Scheduler for slot accounting and the outbound input
// mailbox.
type Facade struct {
	runner             *container.Runner
	scheduler          *queue.Scheduler
	mountAllowlistPath string
}

// New creates a Facade over runner and scheduler. Both are expected to
// be shared process-wide singletons. mountAllowlistPath is forwarded to
// mount.ValidateMounts for every call that carries additional mounts;
// an empty path means additional mounts are always rejected.
func New(runner *container.Runner, scheduler *queue.Scheduler, mountAllowlistPath string) *Facade {
	return &Facade{runner: runner, scheduler: scheduler, mountAllowlistPath: mountAllowlistPath}
}

// facadeCallbacks implements container.Callbacks on behalf of a single
// RunContainerAgent call: OnProcess always registers the live process
// with the scheduler, OnOutput forwards to whatever the caller passed
// (nil is a valid, no-op forward).
type facadeCallbacks struct {
	facade   *Facade
	jid      string
	folder   string
	onOutput func(types.ContainerOutput) error
}

func (c *facadeCallbacks) OnProcess(proc *os.Process, containerName string) {
	c.facade.scheduler.RegisterProcess(c.jid, proc, containerName, c.folder)
}

func (c *facadeCallbacks) OnOutput(output types.ContainerOutput) error {
	if c.onOutput == nil {
		return nil
	}
	return c.onOutput(output)
}

// RunContainerAgent spawns group's container, registers its live
// process with the scheduler as soon as the runner's on_process fires
// so the scheduler's SendMessage can push additional prompts into the
// same container mid-call, and returns the container's final output.
// additionalMounts is checked against the mount allowlist before the
// container is spawned; a rejected mount never reaches the runner's
// -v/--mount flags.
func (f *Facade) RunContainerAgent(
	ctx context.Context,
	group types.RegisteredGroup,
	input types.ContainerInput,
	env map[string]string,
	additionalMounts []types.Mount,
	onOutput func(types.ContainerOutput) error,
) (types.ContainerOutput, error) {
	if len(additionalMounts) > 0 {
		result := mount.ValidateMounts(additionalMounts, group.Folder, group.IsMain, f.mountAllowlistPath)
		if !result.Valid {
			return types.ContainerOutput{}, fmt.Errorf("additional mounts rejected: %s", strings.Join(result.Errors, "; "))
		}
	}

	callbacks := &facadeCallbacks{facade: f, jid: group.JID, folder: group.Folder, onOutput: onOutput}
	return f.runner.RunAgent(ctx, group, input, env, additionalMounts, callbacks)
}
