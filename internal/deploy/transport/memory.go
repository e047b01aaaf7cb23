package transport

import (
	"context"
	"sync"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// Handler answers a command on behalf of a host.
type Handler func(ctx context.Context, host model.Host, cmd string) (Result, error)

// Command is one recorded invocation.
type Command struct {
	Host string
	Cmd  string
}

// Memory is an in-process Transport for tests. It records every command and
// flags commands that overlap on the same host.
type Memory struct {
	handler Handler

	mu          sync.Mutex
	commands    []Command
	copies      []Command
	busy        map[string]bool
	interleaved bool
}

func NewMemory(h Handler) *Memory {
	return &Memory{handler: h, busy: make(map[string]bool)}
}

func (m *Memory) Run(ctx context.Context, host model.Host, cmd string) (Result, error) {
	m.mu.Lock()
	m.commands = append(m.commands, Command{Host: host.Address, Cmd: cmd})
	if m.busy[host.Address] {
		m.interleaved = true
	}
	m.busy[host.Address] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.busy[host.Address] = false
		m.mu.Unlock()
	}()

	if m.handler == nil {
		return Result{}, nil
	}
	return m.handler(ctx, host, cmd)
}

func (m *Memory) Copy(_ context.Context, host model.Host, localPath, remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies = append(m.copies, Command{Host: host.Address, Cmd: localPath + " " + remotePath})
	return nil
}

func (m *Memory) Close() error { return nil }

// Commands returns every recorded command in order.
func (m *Memory) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command(nil), m.commands...)
}

// CommandsFor returns the commands run on one host.
func (m *Memory) CommandsFor(host string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.commands {
		if c.Host == host {
			out = append(out, c.Cmd)
		}
	}
	return out
}

// Copies returns recorded copies as "local remote".
func (m *Memory) Copies() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command(nil), m.copies...)
}

// Interleaved reports whether two commands ever ran on one host at once.
func (m *Memory) Interleaved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interleaved
}
