package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/semaphore"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	User           string
	Port           int
	KeyPath        string // default key, hosts may override with KeyRef
	KnownHosts     string // empty disables host key verification
	ConnectTimeout time.Duration
	MaxDials       int // concurrent connection attempts, 0 is unlimited
}

// SSH is a Transport over golang.org/x/crypto/ssh. Clients are pooled per
// host and shared; commands on one host never interleave.
type SSH struct {
	cfg      SSHConfig
	hostKeys ssh.HostKeyCallback
	dials    *semaphore.Weighted

	mu      sync.RWMutex
	clients map[string]*ssh.Client
	signers map[string]ssh.Signer

	hostMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewSSH(cfg SSHConfig) (*SSH, error) {
	s := &SSH{
		cfg:     cfg,
		clients: make(map[string]*ssh.Client),
		signers: make(map[string]ssh.Signer),
		locks:   make(map[string]*sync.Mutex),
	}
	if cfg.MaxDials > 0 {
		s.dials = semaphore.NewWeighted(int64(cfg.MaxDials))
	}
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(expandHome(cfg.KnownHosts))
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", cfg.KnownHosts, err)
		}
		s.hostKeys = cb
	} else {
		log.Warn().Msg("ssh known_hosts not configured, host keys are not verified")
		s.hostKeys = ssh.InsecureIgnoreHostKey()
	}
	return s, nil
}

func expandHome(p string) string {
	if len(p) > 1 && p[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

func (s *SSH) signer(keyPath string) (ssh.Signer, error) {
	s.mu.RLock()
	sg, ok := s.signers[keyPath]
	s.mu.RUnlock()
	if ok {
		return sg, nil
	}

	candidates := []string{keyPath}
	if keyPath == "" {
		candidates = []string{"~/.ssh/id_ed25519", "~/.ssh/id_ecdsa", "~/.ssh/id_rsa"}
	}
	var lastErr error
	for _, c := range candidates {
		pem, err := os.ReadFile(expandHome(c))
		if err != nil {
			lastErr = err
			continue
		}
		sg, err = ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key %s: %w", c, err)
		}
		s.mu.Lock()
		s.signers[keyPath] = sg
		s.mu.Unlock()
		return sg, nil
	}
	return nil, fmt.Errorf("no usable ssh key: %w", lastErr)
}

func (s *SSH) hostLock(addr string) *sync.Mutex {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	m, ok := s.locks[addr]
	if !ok {
		m = &sync.Mutex{}
		s.locks[addr] = m
	}
	return m
}

func (s *SSH) endpoint(h model.Host) (user, addr string) {
	user, port := h.User, h.Port
	if user == "" {
		user = s.cfg.User
	}
	if port == 0 {
		port = s.cfg.Port
	}
	if port == 0 {
		port = 22
	}
	return user, net.JoinHostPort(h.Address, strconv.Itoa(port))
}

func (s *SSH) client(ctx context.Context, h model.Host) (*ssh.Client, error) {
	user, addr := s.endpoint(h)
	key := user + "@" + addr

	s.mu.RLock()
	c, ok := s.clients[key]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	if s.dials != nil {
		if err := s.dials.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer s.dials.Release(1)
	}

	keyPath := h.KeyRef
	if keyPath == "" {
		keyPath = s.cfg.KeyPath
	}
	sg, err := s.signer(keyPath)
	if err != nil {
		return nil, err
	}

	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(sg)},
		HostKeyCallback: s.hostKeys,
		Timeout:         timeout,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	c = ssh.NewClient(cc, chans, reqs)

	s.mu.Lock()
	if existing, ok := s.clients[key]; ok {
		s.mu.Unlock()
		c.Close()
		return existing, nil
	}
	s.clients[key] = c
	s.mu.Unlock()

	log.Debug().Str("host", h.Address).Str("user", user).Msg("ssh connected")
	return c, nil
}

func (s *SSH) drop(h model.Host) {
	user, addr := s.endpoint(h)
	key := user + "@" + addr
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[key]; ok {
		c.Close()
		delete(s.clients, key)
	}
}

func (s *SSH) Run(ctx context.Context, h model.Host, cmd string) (Result, error) {
	return s.run(ctx, h, "run", cmd, nil)
}

func (s *SSH) Copy(ctx context.Context, h model.Host, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	cmd := "mkdir -p " + Quote(path.Dir(remotePath)) + " && cat > " + Quote(remotePath)
	res, err := s.run(ctx, h, "copy", cmd, f)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &model.CommandError{Host: h.Address, Command: "copy " + remotePath, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

func (s *SSH) run(ctx context.Context, h model.Host, op, cmd string, stdin *os.File) (Result, error) {
	lock := s.hostLock(h.Address)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.client(ctx, h)
	if err != nil {
		return Result{}, &model.TransportError{Host: h.Address, Op: "ssh dial", Err: err}
	}
	sess, err := c.NewSession()
	if err != nil {
		s.drop(h)
		return Result{}, &model.TransportError{Host: h.Address, Op: "ssh session", Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		return Result{}, &model.TransportError{Host: h.Address, Op: "ssh " + op, Err: ctx.Err()}
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	s.drop(h)
	return Result{}, &model.TransportError{Host: h.Address, Op: "ssh " + op, Err: err}
}

// Close closes every pooled client.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for k, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.clients, k)
	}
	return errors.Join(errs...)
}
