package sandboxport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"forge/internal/corelog"
)

// LocalKind is the Kind() reported by LocalSandbox. The permission bridge
// never auto-allows tool calls against this kind the way it does for
// remote/isolated sandboxes.
const LocalKind = "local"

// LocalSandbox runs commands directly on the host inside their own process
// group, so disposal can reliably terminate every descendant a command
// spawned rather than only the immediate child.
type LocalSandbox struct {
	taskID    string
	workspace string
	logDir    string

	mu       sync.Mutex
	disposed bool
	procs    []*exec.Cmd
	logger   corelog.Logger
}

// NewLocalSandbox creates a workspace directory for taskID under baseDir
// and returns a sandbox rooted there.
func NewLocalSandbox(taskID, baseDir string, logger corelog.Logger) (*LocalSandbox, error) {
	workspace := filepath.Join(baseDir, "workspace", taskID)
	logDir := filepath.Join(baseDir, "logs", taskID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if logger == nil {
		logger = corelog.Nop()
	}
	return &LocalSandbox{taskID: taskID, workspace: workspace, logDir: logDir, logger: logger}, nil
}

func (s *LocalSandbox) Kind() string { return LocalKind }

// Exec runs command in a shell rooted at the sandbox workspace, inside its
// own process group so Dispose can kill the whole tree.
func (s *LocalSandbox) Exec(ctx context.Context, command string) (Output, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return Output{}, fmt.Errorf("sandbox %s already disposed", s.taskID)
	}
	s.mu.Unlock()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = s.workspace
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.mu.Lock()
	s.procs = append(s.procs, cmd)
	s.mu.Unlock()

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Output{Stdout: stdout.String(), Stderr: stderr.String()}, runErr
		}
	}
	return Output{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// HostURL is unsupported for local sandboxes: they have no externally
// reachable preview port.
func (s *LocalSandbox) HostURL(int) (string, bool) { return "", false }

// Dispose terminates every process group this sandbox launched. Idempotent.
func (s *LocalSandbox) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	procs := s.procs
	s.procs = nil
	s.mu.Unlock()

	for _, cmd := range procs {
		if cmd.Process == nil {
			continue
		}
		pgid, err := syscall.Getpgid(cmd.Process.Pid)
		if err != nil {
			pgid = cmd.Process.Pid
		}
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(3 * time.Second)
	for _, cmd := range procs {
		for cmd.ProcessState == nil && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
		if cmd.Process != nil && cmd.ProcessState == nil {
			pgid, err := syscall.Getpgid(cmd.Process.Pid)
			if err != nil {
				pgid = cmd.Process.Pid
			}
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	}

	s.logger.Debug("disposed sandbox workspace=%s", s.workspace)
	return nil
}

var (
	_ Sandbox          = (*LocalSandbox)(nil)
	_ Execer           = (*LocalSandbox)(nil)
	_ PreviewPublisher = (*LocalSandbox)(nil)
)

// LocalFactory constructs LocalSandbox instances rooted at a shared base
// directory. WorkspaceMode=shared reuses baseDir/workspace/shared instead
// of a fresh per-task directory.
type LocalFactory struct {
	BaseDir string
	Logger  corelog.Logger
}

func (f *LocalFactory) Create(_ context.Context, kind string, opts CreateOptions) (Sandbox, error) {
	if kind != LocalKind && kind != "" {
		return nil, fmt.Errorf("local factory cannot create sandbox kind %q", kind)
	}
	base := f.BaseDir
	if opts.WorkspaceMode == WorkspaceShared {
		taskID := "shared"
		if opts.SharedPath != "" {
			taskID = opts.SharedPath
		}
		return NewLocalSandbox(taskID, base, f.Logger)
	}
	return NewLocalSandbox(opts.TaskID, base, f.Logger)
}

var _ Factory = (*LocalFactory)(nil)
