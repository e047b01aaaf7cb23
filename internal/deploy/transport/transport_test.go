package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"":                 "''",
		"myapp-web-abc123": "myapp-web-abc123",
		"registry.example.com/org/app:v1": "registry.example.com/org/app:v1",
		"RAILS_ENV=production":            "RAILS_ENV=production",
		"it's":                            `'it'"'"'s'`,
		"a b":                             "'a b'",
		"{{.State.Status}}":               "'{{.State.Status}}'",
	}
	for in, want := range tests {
		assert.Equal(t, want, Quote(in), in)
	}
	assert.Equal(t, "docker logs --tail 10 'a b'", Join("docker", "logs", "--tail", "10", "a b"))
}

func TestRedact(t *testing.T) {
	cmd := Join("docker", "login", "-u", "me", "-p", "s3cr3t pass")
	out := Redact(cmd, "s3cr3t pass", "")
	assert.NotContains(t, out, "s3cr3t")
	assert.Contains(t, out, "[REDACTED]")
}

func TestMemoryRecordsAndDetectsInterleaving(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	m := NewMemory(func(_ context.Context, h model.Host, cmd string) (Result, error) {
		if cmd == "slow" {
			started <- struct{}{}
			<-release
		}
		if cmd == "fail" {
			return Result{}, &model.TransportError{Host: h.Address, Op: "run", Err: errors.New("reset")}
		}
		return Result{Stdout: cmd}, nil
	})
	host := model.Host{Address: "10.0.0.1"}

	res, err := m.Run(context.Background(), host, "echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", res.Stdout)
	assert.True(t, res.OK())

	_, err = m.Run(context.Background(), host, "fail")
	assert.ErrorIs(t, err, model.ErrTransport)
	assert.False(t, m.Interleaved())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Run(context.Background(), host, "slow")
		}()
	}
	<-started
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("second command did not start")
	}
	close(release)
	wg.Wait()

	assert.True(t, m.Interleaved())
	assert.Len(t, m.CommandsFor("10.0.0.1"), 4)
	assert.Empty(t, m.CommandsFor("10.0.0.2"))
}

func TestNewSSHWithMissingKnownHosts(t *testing.T) {
	_, err := NewSSH(SSHConfig{KnownHosts: "/nonexistent/known_hosts"})
	assert.Error(t, err)

	s, err := NewSSH(SSHConfig{User: "root", Port: 2222, MaxDials: 2})
	require.NoError(t, err)
	user, addr := s.endpoint(model.Host{Address: "10.0.0.1"})
	assert.Equal(t, "root", user)
	assert.Equal(t, "10.0.0.1:2222", addr)
	user, addr = s.endpoint(model.Host{Address: "fe80::1", User: "ops", Port: 22})
	assert.Equal(t, "ops", user)
	assert.Equal(t, "[fe80::1]:22", addr)
	assert.NoError(t, s.Close())
}
