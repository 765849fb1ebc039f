package executor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// maxOutputSize bounds each captured stream so four streams plus payloads
// stay under the record size ceiling.
const maxOutputSize = 1 << 20

// limitWriter keeps the first limit bytes and silently discards the rest.
type limitWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	n := len(p)
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		w.buf.Write(p)
	}
	return n, nil
}

// runOutcome is the bounded-wait result of one subprocess.
type runOutcome struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	TimedOut bool
	Killed   bool
}

// runScript executes a shell script in dir with a hard wall-clock bound.
// The script runs in its own process group so a timeout kills the whole
// tree, not just the shell. When uid is nonzero the process is dropped to
// uid/gid. publish, if set, receives the live process so a cancel elsewhere
// can kill it, then nil once it is reaped.
func runScript(script, dir string, stdin io.Reader, timeout time.Duration, uid, gid int, publish func(*os.Process)) (*runOutcome, error) {
	stdout := &limitWriter{limit: maxOutputSize}
	stderr := &limitWriter{limit: maxOutputSize}

	cmd := exec.Command("/bin/sh", script)
	cmd.Dir = dir
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if uid != 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", script, err)
	}
	if publish != nil {
		publish(cmd.Process)
		defer publish(nil)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	out := &runOutcome{}
	select {
	case <-timer.C:
		out.TimedOut = true
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	case err := <-done:
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				return nil, fmt.Errorf("failed to wait for %s: %w", script, err)
			}
		}
	}

	out.Stdout = stdout.buf.Bytes()
	out.Stderr = stderr.buf.Bytes()
	out.ExitCode = cmd.ProcessState.ExitCode()
	if !out.TimedOut && out.ExitCode == -1 {
		out.Killed = true
	}
	return out, nil
}
