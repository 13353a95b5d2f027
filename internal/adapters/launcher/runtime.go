package launcher

import (
	"context"
	"fmt"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/ports"
)

// ByRuntime dispatches each spec to the launcher of its runtime.
type ByRuntime map[domain.Runtime]ports.Launcher

func (m ByRuntime) Launch(ctx context.Context, spec domain.AgentSpec, logf ports.LogFunc) (ports.ProcessHandle, error) {
	runtime := spec.Runtime
	if runtime == "" {
		runtime = domain.RuntimeExec
	}
	l, ok := m[runtime]
	if !ok || l == nil {
		return nil, fmt.Errorf("no launcher for runtime %q", runtime)
	}
	return l.Launch(ctx, spec, logf)
}
