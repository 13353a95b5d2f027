package launcher

import (
	"bytes"
	"context"
	"encoding/binary"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a.mesh/internal/core/domain"
)

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) logf(stream, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, stream+": "+line)
}

func (s *lineSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecLauncher_ForwardsOutputAndExits(t *testing.T) {
	requireShell(t)
	sink := &lineSink{}
	spec := domain.AgentSpec{
		ID:      "agent-x",
		Port:    3999,
		Command: []string{"sh", "-c", `echo "port=$PORT id=$AGENT_ID kind=$AGENT_KIND"; echo oops >&2`},
		Env:     map[string]string{"AGENT_KIND": "math"},
	}

	h, err := NewExecLauncher("").Launch(context.Background(), spec, sink.logf)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.NoError(t, h.Err())
	assert.Contains(t, sink.all(), "stdout: port=3999 id=agent-x kind=math")
	assert.Contains(t, sink.all(), "stderr: oops")

	// Signalling an exited process is not an error.
	assert.NoError(t, h.Terminate())
}

func TestExecLauncher_TerminateAndKill(t *testing.T) {
	requireShell(t)
	spec := domain.AgentSpec{ID: "sleeper", Command: []string{"sh", "-c", "trap '' TERM; exec sleep 30"}}

	h, err := NewExecLauncher("").Launch(context.Background(), spec, nil)
	require.NoError(t, err)

	require.NoError(t, h.Terminate())
	select {
	case <-h.Done():
		t.Fatal("process ignoring SIGTERM exited")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, h.Kill())
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived SIGKILL")
	}
	assert.Error(t, h.Err())
}

func TestExecLauncher_MissingCommand(t *testing.T) {
	_, err := NewExecLauncher("").Launch(context.Background(), domain.AgentSpec{ID: "a"}, nil)
	assert.Error(t, err)

	_, err = NewExecLauncher("").Launch(context.Background(), domain.AgentSpec{ID: "a", Command: []string{"/definitely/not/here"}}, nil)
	assert.ErrorContains(t, err, "not found")
}

func TestByRuntime(t *testing.T) {
	m := ByRuntime{domain.RuntimeExec: NewExecLauncher("")}
	_, err := m.Launch(context.Background(), domain.AgentSpec{ID: "a", Runtime: domain.RuntimeDocker, Image: "x"}, nil)
	assert.ErrorContains(t, err, `no launcher for runtime "docker"`)
}

func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestDemultiplexStream(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(1, "listening on :3001\n"))
	buf.Write(frame(2, "warn: slow\nsecond line\n"))
	buf.Write(frame(1, "done"))

	sink := &lineSink{}
	require.NoError(t, demultiplexStream(&buf, sink.logf))
	assert.Equal(t, []string{
		"stdout: listening on :3001",
		"stderr: warn: slow",
		"stderr: second line",
		"stdout: done",
	}, sink.all())

	// A truncated trailing frame is dropped.
	sink = &lineSink{}
	require.NoError(t, demultiplexStream(strings.NewReader(string(frame(1, "whole")[:10])), sink.logf))
	assert.Empty(t, sink.all())
}
