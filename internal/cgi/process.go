package cgi

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// process owns the three pipe fds and the child of spec.md §4.11 step 3.
// The child runs the configured interpreter (argv[0]) with the script path
// as its one argument (argv[1]), in the script's directory.
// exec.Cmd performs the fork/dup/exec sequence; this type adds the
// non-blocking fd setup and stdin/stdout/stderr accounting the session
// needs on top.
type process struct {
	cmd *exec.Cmd

	stdinW  *os.File
	stdoutR *os.File
	stderrR *os.File

	waited bool
	exited bool
}

// spawn starts interpreter with scriptPath as its sole argument, cwd set to
// the script's directory, and env as its full environment.
func spawn(interpreter, scriptPath string, env []string) (*process, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}

	cmd := exec.Command(interpreter, scriptPath)
	cmd.Dir = filepath.Dir(scriptPath)
	cmd.Env = env
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, err
	}
	// The child end of each pipe is only needed by the child; close our
	// copies so EOF propagates correctly once the child exits.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	for _, f := range []*os.File{stdinW, stdoutR, stderrR} {
		_ = syscall.SetNonblock(int(f.Fd()), true)
	}

	return &process{cmd: cmd, stdinW: stdinW, stdoutR: stdoutR, stderrR: stderrR}, nil
}

// tryWait performs a non-blocking waitpid, per spec.md §5: "A CGI session
// ... killed (SIGKILL after a non-blocking waitpid check) during
// destruction." It records whether the process has already exited.
func (p *process) tryWait() (exited bool) {
	if p.waited {
		return p.exited
	}
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(p.cmd.Process.Pid, &ws, syscall.WNOHANG, nil)
	if err != nil || pid == 0 {
		return false
	}
	p.waited = true
	p.exited = true
	return true
}

// kill sends SIGKILL if the child hasn't already exited.
func (p *process) kill() {
	if p.tryWait() {
		return
	}
	_ = p.cmd.Process.Kill()
	_, _ = p.cmd.Process.Wait()
	p.waited = true
	p.exited = true
}

// firstByteTimeout is the spec.md §4.11 "timeout waiting for first body byte"
// bound, measured from Session.startedAt, which New sets.
const firstByteTimeout = 10 * time.Second
