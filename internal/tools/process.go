package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// processManager tracks long-running background commands started by the
// agent so they can be inspected and stopped later.
type processManager struct {
	mu    sync.Mutex
	next  int
	procs map[int]*managedProcess
}

type managedProcess struct {
	ID      int
	Command string
	Started time.Time
	cmd     *exec.Cmd
	out     *boundedBuffer
	done    chan struct{}
	err     error
}

// boundedBuffer keeps the last maxCapturedOutput bytes written.
type boundedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if b.buf.Len() > maxCapturedOutput {
		data := b.buf.Bytes()
		trimmed := make([]byte, maxCapturedOutput)
		copy(trimmed, data[len(data)-maxCapturedOutput:])
		b.buf.Reset()
		b.buf.Write(trimmed)
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (m *processManager) start(command, workdir string) (*managedProcess, error) {
	for _, pat := range shellDenyPatterns {
		if pat.MatchString(command) {
			return nil, fmt.Errorf("command denied by safety policy")
		}
	}
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workdir
	out := &boundedBuffer{}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.next++
	p := &managedProcess{
		ID:      m.next,
		Command: command,
		Started: time.Now(),
		cmd:     cmd,
		out:     out,
		done:    make(chan struct{}),
	}
	m.procs[p.ID] = p
	m.mu.Unlock()

	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (m *processManager) get(id int) (*managedProcess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	return p, ok
}

func (m *processManager) stop(id int) error {
	p, ok := m.get(id)
	if !ok {
		return fmt.Errorf("no process %d", id)
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Kill()
}

func (m *processManager) list() []*managedProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*managedProcess, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *managedProcess) status() string {
	select {
	case <-p.done:
		if p.err != nil {
			return "exited: " + p.err.Error()
		}
		return "exited: ok"
	default:
		return "running"
	}
}

func registerProcessTools(r *Registry, deps Deps) {
	mgr := &processManager{procs: make(map[int]*managedProcess)}

	r.Register(&Tool{
		Name:        "process",
		Description: "Manage background processes: start, status, logs, stop, list.",
		Kind:        KindBuiltin,
		Destructive: true,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"action":  map[string]interface{}{"type": "string", "enum": []interface{}{"start", "status", "logs", "stop", "list"}},
				"command": map[string]interface{}{"type": "string", "description": "required for start"},
				"id":      map[string]interface{}{"type": "number", "description": "required for status, logs and stop"},
			},
			"required": []interface{}{"action"},
		},
		Handler: func(_ context.Context, args map[string]interface{}) *Result {
			action, _ := args["action"].(string)
			id := 0
			if v, ok := args["id"].(float64); ok {
				id = int(v)
			}

			switch action {
			case "start":
				command, _ := args["command"].(string)
				if command == "" {
					return ErrorResult("command is required to start a process")
				}
				p, err := mgr.start(command, deps.Workspace)
				if err != nil {
					return ErrorResult("start failed: " + err.Error())
				}
				return NewResult(fmt.Sprintf("started process %d", p.ID))
			case "status":
				p, ok := mgr.get(id)
				if !ok {
					return ErrorResult(fmt.Sprintf("no process %d", id))
				}
				return NewResult(fmt.Sprintf("process %d (%s): %s", p.ID, p.Command, p.status()))
			case "logs":
				p, ok := mgr.get(id)
				if !ok {
					return ErrorResult(fmt.Sprintf("no process %d", id))
				}
				logs := p.out.String()
				if logs == "" {
					logs = "(no output yet)"
				}
				return NewResult(logs)
			case "stop":
				if err := mgr.stop(id); err != nil {
					return ErrorResult(err.Error())
				}
				return NewResult(fmt.Sprintf("stopped process %d", id))
			case "list":
				procs := mgr.list()
				if len(procs) == 0 {
					return NewResult("no managed processes")
				}
				var sb strings.Builder
				for _, p := range procs {
					fmt.Fprintf(&sb, "%d  %s  %s\n", p.ID, p.status(), p.Command)
				}
				return NewResult(sb.String())
			default:
				return ErrorResult("unknown action " + action)
			}
		},
	})
}
