// Package sandboxport defines the execution-environment contract a
// sub-agent runs shell commands and file I/O against, and ships one local,
// process-group-based implementation of it.
package sandboxport

import "context"

// Output is the result of a single Exec call.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox is the minimal contract the scheduler depends on. Exec and
// HostURL are optional capabilities — an implementation that doesn't
// support them reports ok=false / returns an error rather than panicking.
type Sandbox interface {
	// Kind identifies the sandbox flavor (e.g. "local", "remote", "isolated").
	// The permission bridge consults this to decide whether a tool call can
	// be auto-allowed.
	Kind() string

	// Dispose releases the sandbox's resources. Idempotent: a second call
	// returns nil without side effects.
	Dispose(ctx context.Context) error
}

// Execer is implemented by sandboxes that can run shell commands.
type Execer interface {
	Exec(ctx context.Context, command string) (Output, error)
}

// PreviewPublisher is implemented by sandboxes that can expose a port as an
// externally reachable preview URL.
type PreviewPublisher interface {
	HostURL(port int) (url string, ok bool)
}

// WorkspaceMode mirrors the scheduler's workspace allocation hint.
type WorkspaceMode string

const (
	WorkspaceIsolated WorkspaceMode = "isolated"
	WorkspaceShared   WorkspaceMode = "shared"
)

// CreateOptions parameterizes sandbox construction with the scheduler's
// per-task hints. FileScope is advisory; a Factory
// implementation may ignore hints it has no use for.
type CreateOptions struct {
	TaskID        string
	WorkspaceMode WorkspaceMode
	FileScope     []string
	SharedPath    string // used when WorkspaceMode == WorkspaceShared
}

// Factory constructs and is the single place that knows how to build a
// Sandbox for a given kind string. The scheduler never constructs a
// concrete Sandbox itself.
type Factory interface {
	Create(ctx context.Context, kind string, opts CreateOptions) (Sandbox, error)
}
