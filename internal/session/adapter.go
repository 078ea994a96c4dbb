package session

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ShellKind selects which shell a session runs.
type ShellKind string

const (
	ShellPosix      ShellKind = "posix-shell"
	ShellWindows    ShellKind = "windows-shell"
	ShellRestricted ShellKind = "restricted-shell"
)

// shellCommand maps a ShellKind to the command starting it on this host.
func shellCommand(kind ShellKind) (string, []string, error) {
	switch kind {
	case ShellPosix, "":
		return "/bin/bash", nil, nil
	case ShellRestricted:
		return "/bin/bash", []string{"-r"}, nil
	case ShellWindows:
		if runtime.GOOS != "windows" {
			return "", nil, fmt.Errorf("shell kind %q is not supported on %s", kind, runtime.GOOS)
		}
		return "cmd.exe", nil, nil
	default:
		return "", nil, fmt.Errorf("unknown shell kind %q", kind)
	}
}

// ValidShellKind reports whether kind names a known shell kind.
func ValidShellKind(kind ShellKind) bool {
	switch kind {
	case ShellPosix, ShellWindows, ShellRestricted, "":
		return true
	}
	return false
}

// Adapter wraps exactly one PTY-backed shell process. It carries no
// validation logic and trusts its caller completely: every trust decision
// happens upstream in the validation pipeline, which keeps this component
// small and auditable.
type Adapter struct {
	cmd  *exec.Cmd
	ptmx *os.File

	exitOnce  sync.Once
	closeOnce sync.Once
}

// StartAdapter spawns the shell for the given kind inside workspaceRoot and
// begins streaming PTY output. onData receives raw output chunks as they
// arrive; onExit is invoked exactly once with the exit code and terminating
// signal name ("" when the process exited normally).
func StartAdapter(workspaceRoot string, kind ShellKind, cols, rows uint16, onData func(data []byte), onExit func(exitCode int, signal string)) (*Adapter, error) {
	shell, args, err := shellCommand(kind)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(shell, args...)
	cmd.Dir = workspaceRoot
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty for %s: %w", shell, err)
	}

	if cols > 0 && rows > 0 {
		if err := pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
			log.Printf("[adapter] failed to set initial size: %v", err)
		}
	}

	a := &Adapter{cmd: cmd, ptmx: ptmx}
	go a.readLoop(onData, onExit)
	go a.waitLoop(onExit)
	return a, nil
}

// readLoop drains PTY output. A panic here must not take down other
// sessions; it is converted to a synthetic exit.
func (a *Adapter) readLoop(onData func([]byte), onExit func(int, string)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[adapter] output drain panicked: %v", r)
			a.Kill()
			a.deliverExit(onExit, 127, "")
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := a.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			onData(data)
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the process and delivers the exit event.
func (a *Adapter) waitLoop(onExit func(int, string)) {
	err := a.cmd.Wait()

	code := 0
	signal := ""
	if state := a.cmd.ProcessState; state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = 128 + int(ws.Signal())
			signal = ws.Signal().String()
		} else {
			code = state.ExitCode()
		}
	} else if err != nil {
		code = 127
	}

	a.Close()
	a.deliverExit(onExit, code, signal)
}

// deliverExit invokes onExit at most once.
func (a *Adapter) deliverExit(onExit func(int, string), code int, signal string) {
	a.exitOnce.Do(func() {
		onExit(code, signal)
	})
}

// Write forwards raw bytes to the shell's stdin.
func (a *Adapter) Write(p []byte) (int, error) {
	return a.ptmx.Write(p)
}

// Resize changes the PTY dimensions.
func (a *Adapter) Resize(cols, rows uint16) error {
	return pty.Setsize(a.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// killEscalationDelay is how long Kill waits before following up with SIGKILL.
const killEscalationDelay = 2 * time.Second

// Kill terminates the shell process. Interactive shells ignore SIGTERM, so
// the PTY is closed as well (delivering SIGHUP) and SIGKILL follows after a
// short grace if the process is still alive.
func (a *Adapter) Kill() error {
	if a.cmd.Process == nil {
		return nil
	}
	if err := a.cmd.Process.Signal(syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("signal shell process: %w", err)
	}
	a.Close()
	time.AfterFunc(killEscalationDelay, func() {
		a.cmd.Process.Signal(syscall.SIGKILL)
	})
	return nil
}

// Close releases the PTY. Safe to call multiple times.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.ptmx.Close()
	})
}
