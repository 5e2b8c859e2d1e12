package proxy

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/narya/wpool/internal/poolcfg"
)

// ChildProcess abstracts one spawned worker so Proxy can be exercised
// against a real OS process or, in tests, an in-process fake that speaks
// the wire protocol over pipes.
type ChildProcess interface {
	io.Writer // writes frames to the child's stdin
	Stdout() io.Reader
	Pid() int
	Signal(sig syscall.Signal) error
	Kill() error
	Wait() error
}

// Spawner creates a ChildProcess for a pool config. The real
// implementation execs cfg.Script; tests substitute an in-process fake.
type Spawner interface {
	Spawn(cfg *poolcfg.Config) (ChildProcess, error)
}

// ExecSpawner launches the configured script as an OS subprocess with
// three standard pipes: stdin/stdout carry the framed protocol, stderr
// is left as a plain text log stream.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(cfg *poolcfg.Config) (ChildProcess, error) {
	cmd := exec.Command(cfg.Script, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execChild{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execChild struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (c *execChild) Write(p []byte) (int, error) { return c.stdin.Write(p) }
func (c *execChild) Stdout() io.Reader            { return c.stdout }
func (c *execChild) Pid() int                     { return c.cmd.Process.Pid }

func (c *execChild) Signal(sig syscall.Signal) error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Signal(sig)
}

func (c *execChild) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

func (c *execChild) Wait() error {
	err := c.cmd.Wait()
	_ = c.stdin.Close()
	return err
}

// scriptBaseName is used only for log fields, so a full path doesn't spam
// every line.
func scriptBaseName(path string) string { return filepath.Base(path) }
