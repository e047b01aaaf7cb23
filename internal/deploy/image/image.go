// Package image computes release versions and registry pull targets.
package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/qiniu/zerodeploy/internal/clock"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// GitRunner runs git in dir and returns stdout.
type GitRunner func(ctx context.Context, dir string, args ...string) (string, error)

// ExecGit runs the git binary.
func ExecGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// GitVersion is the HEAD commit, suffixed with _uncommitted_<hash of the diff>
// when the work tree is dirty. The same tree state always yields the same version.
func GitVersion(ctx context.Context, git GitRunner, dir string) (string, error) {
	head, err := git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	version := strings.TrimSpace(head)
	if version == "" {
		return "", fmt.Errorf("git rev-parse HEAD returned nothing")
	}

	status, err := git(ctx, dir, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(status) == "" {
		return version, nil
	}
	diff, err := git(ctx, dir, "diff", "HEAD")
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(diff))
	return version + "_uncommitted_" + hex.EncodeToString(sum[:8]), nil
}

// Resolver maps versions to releases of one image repository.
type Resolver struct {
	repo  name.Repository
	git   GitRunner
	dir   string
	clock clock.Clock
}

// NewResolver parses image. When server is set and image names no registry,
// the image is qualified with server.
func NewResolver(image, server, dir string, git GitRunner, clk clock.Clock) (*Resolver, error) {
	var opts []name.Option
	if server != "" {
		opts = append(opts, name.WithDefaultRegistry(server))
	}
	repo, err := name.NewRepository(image, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: image %q: %v", model.ErrInvalidDescriptor, image, err)
	}
	if git == nil {
		git = ExecGit
	}
	return &Resolver{repo: repo, git: git, dir: dir, clock: clk}, nil
}

// Repository is the fully qualified repository, e.g. index.docker.io/library/nginx.
func (r *Resolver) Repository() string { return r.repo.Name() }

// Registry is the registry host of the repository.
func (r *Resolver) Registry() string { return r.repo.RegistryStr() }

// Reference returns the pull target for version.
func (r *Resolver) Reference(version string) (string, error) {
	tag, err := name.NewTag(r.repo.Name()+":"+version, name.StrictValidation)
	if err != nil {
		return "", fmt.Errorf("%w: version %q is not a valid tag: %v", model.ErrInvalidDescriptor, version, err)
	}
	return tag.Name(), nil
}

// Resolve builds the release for version, or for the git version when empty.
func (r *Resolver) Resolve(ctx context.Context, version string) (model.Release, error) {
	if version == "" {
		v, err := GitVersion(ctx, r.git, r.dir)
		if err != nil {
			return model.Release{}, fmt.Errorf("failed to compute version from git: %w", err)
		}
		version = v
	}
	ref, err := r.Reference(version)
	if err != nil {
		return model.Release{}, err
	}
	return model.Release{Version: version, Image: ref, CreatedAt: r.now()}, nil
}

func (r *Resolver) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now().UTC()
}
