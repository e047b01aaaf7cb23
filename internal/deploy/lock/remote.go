package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/transport"
)

// Remote keeps the lock as a directory on the primary host, so operators
// deploying from different machines without shared state still exclude each
// other. mkdir is the atomic test-and-set.
type Remote struct {
	transport transport.Transport
	host      model.Host
	dir       string
}

func NewRemote(t transport.Transport, primary model.Host, service string) *Remote {
	return &Remote{transport: t, host: primary, dir: ".zerodeploy/lock-" + service}
}

func (r *Remote) details() string { return r.dir + "/details" }

func (r *Remote) Acquire(ctx context.Context, info model.LockInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal lock: %w", err)
	}
	cmd := transport.Join("mkdir", "-p", ".zerodeploy") + " && " + transport.Join("mkdir", r.dir) +
		" && " + transport.Join("echo", string(data)) + " > " + transport.Quote(r.details())
	res, err := r.transport.Run(ctx, r.host, cmd)
	if err != nil {
		return err
	}
	if res.OK() {
		return nil
	}
	held, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if held == nil {
		return fmt.Errorf("failed to acquire deploy lock on %s: %s", r.host.Address, strings.TrimSpace(res.Stderr))
	}
	return lockedError(*held)
}

// Release removes the lock directory. A directory left without details by a
// half-finished Acquire is removed as well.
func (r *Remote) Release(ctx context.Context) error {
	res, err := r.transport.Run(ctx, r.host, transport.Join("test", "-d", r.dir))
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("deploy lock: %w", model.ErrNotFound)
	}
	res, err = r.transport.Run(ctx, r.host, transport.Join("rm", "-r", r.dir))
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("failed to release deploy lock on %s: %s", r.host.Address, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (r *Remote) Status(ctx context.Context) (*model.LockInfo, error) {
	res, err := r.transport.Run(ctx, r.host, transport.Join("cat", r.details()))
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, nil
	}
	var info model.LockInfo
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &info); err != nil {
		return nil, fmt.Errorf("failed to parse deploy lock on %s: %w", r.host.Address, err)
	}
	return &info, nil
}
