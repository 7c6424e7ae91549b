package container

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jsclaw/jsclaw/pkg/log"
	"github.com/jsclaw/jsclaw/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeCallbacks lets tests supply only the hook they care about; a nil
// field is a no-op.
type fakeCallbacks struct {
	onProcess func(*os.Process, string)
	onOutput  func(types.ContainerOutput) error
}

func (f *fakeCallbacks) OnProcess(proc *os.Process, containerName string) {
	if f.onProcess != nil {
		f.onProcess(proc, containerName)
	}
}

func (f *fakeCallbacks) OnOutput(output types.ContainerOutput) error {
	if f.onOutput != nil {
		return f.onOutput(output)
	}
	return nil
}

func TestRenderMountFlag_ReadOnlyUsesMountForm(t *testing.T) {
	flags := renderMountFlag(mountFixture("/host/a", "/mnt/a", true))
	assert.Equal(t, []string{"--mount", "type=bind,source=/host/a,target=/mnt/a,readonly"}, flags)
}

func TestRenderMountFlag_ReadWriteUsesDashV(t *testing.T) {
	flags := renderMountFlag(mountFixture("/host/b", "/mnt/b", false))
	assert.Equal(t, []string{"-v", "/host/b:/mnt/b"}, flags)
}

func TestBuildArgs_OrderAndForwarding(t *testing.T) {
	r := NewRunner(RunConfig{
		Runtime:         "docker",
		Image:           "jsclaw/agent:latest",
		GroupsDir:       "/groups",
		DataDir:         "/data",
		AnthropicAPIKey: "sk-test",
	}, nil)

	args := r.buildArgs("jsclaw-main-1", "main", map[string]string{"FOO": "bar"}, []types.Mount{
		{HostPath: "/extra", ContainerPath: "/mnt/extra", ReadOnly: true},
	})

	require.Equal(t, "run", args[0])
	assert.Contains(t, args, "-i")
	assert.Contains(t, args, "--rm")
	assert.Contains(t, args, "--name")
	assert.Contains(t, args, "jsclaw-main-1")
	assert.Contains(t, args, "-e")
	assert.Contains(t, args, "FOO=bar")
	assert.Contains(t, args, "ANTHROPIC_API_KEY=sk-test")
	assert.Contains(t, args, "-v")
	assert.Contains(t, args, "/groups/main:/workspace/group")
	assert.Contains(t, args, "--mount")
	assert.Contains(t, args, "type=bind,source=/extra,target=/mnt/extra,readonly")
	assert.Equal(t, "jsclaw/agent:latest", args[len(args)-1])
}

func TestDrainFrames_SingleCompleteFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(outputStartMarker + `{"status":"success","result":"hi"}` + outputEndMarker)

	session := newReadSession(testLogger(), 0, nil)
	drainFrames(&buf, session)

	require.NotNil(t, session.lastOutput)
	assert.Equal(t, types.StatusSuccess, session.lastOutput.Status)
	assert.Equal(t, 0, buf.Len())
}

func TestDrainFrames_WaitsForEndMarker(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(outputStartMarker + `{"status":"success"`)

	session := newReadSession(testLogger(), 0, nil)
	drainFrames(&buf, session)

	assert.Nil(t, session.lastOutput)
	assert.Greater(t, buf.Len(), 0)
}

func TestDrainFrames_MalformedPayloadSynthesizesError(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(outputStartMarker + `not json at all` + outputEndMarker)

	session := newReadSession(testLogger(), 0, nil)
	drainFrames(&buf, session)

	require.NotNil(t, session.lastOutput)
	assert.Equal(t, types.StatusError, session.lastOutput.Status)
	assert.Contains(t, session.lastOutput.Error, "Failed to parse output")
}

func TestDrainFrames_MultipleFramesInOrder(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(outputStartMarker + `{"status":"success","result":"one"}` + outputEndMarker)
	buf.WriteString(outputStartMarker + `{"status":"success","result":"two"}` + outputEndMarker)

	var seen []string
	session := newReadSession(testLogger(), 0, &fakeCallbacks{onOutput: func(o types.ContainerOutput) error {
		if o.Result != nil {
			seen = append(seen, *o.Result)
		}
		return nil
	}})
	drainFrames(&buf, session)

	require.Equal(t, []string{"one", "two"}, seen)
	require.NotNil(t, session.lastOutput)
	assert.Equal(t, "two", *session.lastOutput.Result)
}

func TestReadSession_ResolveTimeoutPreservesLastOutput(t *testing.T) {
	session := newReadSession(testLogger(), 0, nil)
	result := "partial"
	session.lastOutput = &types.ContainerOutput{Status: types.StatusSuccess, Result: &result}
	session.markTimedOut(2500 * time.Millisecond)

	out := session.resolve(nil, nil)
	assert.Equal(t, types.StatusError, out.Status)
	assert.Contains(t, out.Error, "2500ms")
	require.NotNil(t, out.Result)
	assert.Equal(t, "partial", *out.Result)
}

func TestReadSession_ResolveZeroExitNoOutput(t *testing.T) {
	session := newReadSession(testLogger(), 0, nil)
	out := session.resolve(nil, nil)
	assert.Equal(t, types.StatusSuccess, out.Status)
	assert.Nil(t, out.Result)
}

func TestReadSession_ResolveNonzeroExit(t *testing.T) {
	session := newReadSession(testLogger(), 0, nil)
	cmd := exec.Command("sh", "-c", "exit 3")
	runErr := cmd.Run()
	out := session.resolve(runErr, []byte("boom"))
	assert.Equal(t, types.StatusError, out.Status)
	assert.Contains(t, out.Error, "code 3")
	assert.Contains(t, out.Error, "boom")
}

func TestRunAgent_EndToEndWithFakeRuntime(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake runtime fixture is a POSIX shell script")
	}
	dir := t.TempDir()
	fakeRuntime := filepath.Join(dir, "fakedocker")
	script := "#!/bin/sh\ncat <<'EOF'\n" + outputStartMarker + `{"status":"success","result":"done"}` + outputEndMarker + "\nEOF\n"
	require.NoError(t, os.WriteFile(fakeRuntime, []byte(script), 0o755))

	r := NewRunner(RunConfig{
		Runtime:          fakeRuntime,
		Image:            "jsclaw/agent:latest",
		GroupsDir:        filepath.Join(dir, "groups"),
		DataDir:          filepath.Join(dir, "data"),
		ContainerTimeout: 5 * time.Second,
	}, nil)

	var registered string
	out, err := r.RunAgent(context.Background(), types.RegisteredGroup{Folder: "main", JID: "main@jid"}, types.ContainerInput{Prompt: "hi"}, nil, nil,
		&fakeCallbacks{onProcess: func(proc *os.Process, name string) { registered = name }},
	)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, out.Status)
	require.NotNil(t, out.Result)
	assert.Equal(t, "done", *out.Result)
	assert.NotEmpty(t, registered)
}

func mountFixture(host, container string, readOnly bool) specs.Mount {
	return specs.Mount{Source: host, Destination: container, Options: readOnlyOptions(readOnly)}
}

func testLogger() zerolog.Logger {
	return log.WithContainer("test")
}
