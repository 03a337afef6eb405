package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	charmLog "github.com/charmbracelet/log"
	"github.com/creack/pty"
)

const (
	defaultShellCols = 80
	defaultShellRows = 24
)

var errUnknownTab = errors.New("unknown shell tab")

// shellTab is one pty-backed terminal. exitOnce guards the shell.exit frame:
// whether the process exits on its own, is killed, or the connection drops,
// it fires at most once.
type shellTab struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File

	exitOnce sync.Once
}

// shellManager owns the shell tabs of a single connection. Tabs do not
// outlive the connection: disconnect kills them all.
type shellManager struct {
	mu     sync.Mutex
	tabs   map[string]*shellTab
	logger *charmLog.Logger
}

func newShellManager(logger *charmLog.Logger) *shellManager {
	return &shellManager{tabs: make(map[string]*shellTab), logger: logger}
}

// exec starts a shell for the tab. With a command it runs `$SHELL -c cmd`;
// without, an interactive shell. A tab id already running is an error, the
// client must kill it first.
func (m *shellManager) exec(c *liveConn, p shellExecPayload) error {
	m.mu.Lock()
	if _, exists := m.tabs[p.TabID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("shell tab %s already running", p.TabID)
	}
	m.mu.Unlock()

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	var cmd *exec.Cmd
	if p.Command != "" {
		cmd = exec.Command(shell, "-c", p.Command)
	} else {
		cmd = exec.Command(shell)
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	cols, rows := p.Cols, p.Rows
	if cols <= 0 {
		cols = defaultShellCols
	}
	if rows <= 0 {
		rows = defaultShellRows
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	tab := &shellTab{id: p.TabID, cmd: cmd, ptmx: ptmx}
	m.mu.Lock()
	m.tabs[p.TabID] = tab
	m.mu.Unlock()

	go m.pump(c, tab)
	return nil
}

// pump copies pty output to the socket until the process exits, then emits
// the tab's single shell.exit frame.
func (m *shellManager) pump(c *liveConn, tab *shellTab) {
	buf := make([]byte, 8192)
	for {
		n, err := tab.ptmx.Read(buf)
		if n > 0 {
			_ = c.send(context.Background(), newFrame(frameShellOutput, "", shellOutputPayload{
				TabID: tab.id,
				Data:  string(buf[:n]),
			}))
		}
		if err != nil {
			break
		}
	}

	err := tab.cmd.Wait()
	_ = tab.ptmx.Close()

	code := 0
	signal := ""
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				code = -1
				signal = ws.Signal().String()
			} else {
				code = exitErr.ExitCode()
			}
		} else {
			code = -1
		}
	}

	tab.exitOnce.Do(func() {
		_ = c.send(context.Background(), newFrame(frameShellExit, "", shellExitPayload{
			TabID:    tab.id,
			ExitCode: code,
			Signal:   signal,
		}))
	})

	m.mu.Lock()
	if m.tabs[tab.id] == tab {
		delete(m.tabs, tab.id)
	}
	m.mu.Unlock()
	m.logger.Debug("shell tab exited", "tab_id", tab.id, "exit_code", code, "signal", signal)
}

func (m *shellManager) input(tabID, data string) error {
	tab := m.get(tabID)
	if tab == nil {
		return errUnknownTab
	}
	_, err := tab.ptmx.Write([]byte(data))
	return err
}

func (m *shellManager) resize(tabID string, cols, rows int) error {
	tab := m.get(tabID)
	if tab == nil {
		return errUnknownTab
	}
	if cols <= 0 || rows <= 0 {
		return errors.New("cols and rows must be positive")
	}
	return pty.Setsize(tab.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// kill terminates the tab's process. The exit frame comes from the pump once
// the process is reaped; an unknown tab is a no-op.
func (m *shellManager) kill(tabID string) {
	tab := m.get(tabID)
	if tab == nil {
		return
	}
	tab.terminate()
}

func (m *shellManager) killAll() {
	m.mu.Lock()
	tabs := make([]*shellTab, 0, len(m.tabs))
	for _, t := range m.tabs {
		tabs = append(tabs, t)
	}
	m.mu.Unlock()
	for _, t := range tabs {
		t.terminate()
	}
}

// terminate signals the whole process group. The shell is the session leader
// of its pty, so children it left in the background share the group and die
// with it. Falls back to killing just the shell if the group signal fails.
func (t *shellTab) terminate() {
	if t.cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-t.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = t.cmd.Process.Kill()
	}
}

func (m *shellManager) get(tabID string) *shellTab {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tabs[tabID]
}
