package image

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/zerodeploy/internal/clock"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

type fakeGit struct {
	head   string
	status string
	diff   string
	err    error
}

func (f fakeGit) run(_ context.Context, _ string, args ...string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	switch args[0] {
	case "rev-parse":
		return f.head + "\n", nil
	case "status":
		return f.status, nil
	case "diff":
		return f.diff, nil
	}
	return "", errors.New("unexpected git " + strings.Join(args, " "))
}

func TestGitVersion(t *testing.T) {
	ctx := context.Background()
	clean := fakeGit{head: "0123456789abcdef"}
	v, err := GitVersion(ctx, clean.run, ".")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", v)

	dirty := fakeGit{head: "0123456789abcdef", status: " M app.go\n", diff: "diff --git a/app.go b/app.go\n+x\n"}
	v1, err := GitVersion(ctx, dirty.run, ".")
	require.NoError(t, err)
	v2, err := GitVersion(ctx, dirty.run, ".")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.True(t, strings.HasPrefix(v1, "0123456789abcdef_uncommitted_"))
	assert.Len(t, v1, len("0123456789abcdef_uncommitted_")+16)

	other := dirty
	other.diff += "+y\n"
	v3, err := GitVersion(ctx, other.run, ".")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v3)

	_, err = GitVersion(ctx, fakeGit{err: errors.New("not a git repository")}.run, ".")
	assert.Error(t, err)
}

func TestResolver(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	r, err := NewResolver("registry.example.com/org/app", "", ".", fakeGit{head: "abc123"}.run, clk)
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/org/app", r.Repository())
	assert.Equal(t, "registry.example.com", r.Registry())

	rel, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, model.Release{Version: "abc123", Image: "registry.example.com/org/app:abc123", CreatedAt: clk.Now()}, rel)

	rel, err = r.Resolve(context.Background(), "v1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/org/app:v1.2.0", rel.Image)

	_, err = r.Resolve(context.Background(), "bad tag!")
	assert.ErrorIs(t, err, model.ErrInvalidDescriptor)
}

func TestResolverQualifiesWithRegistryServer(t *testing.T) {
	r, err := NewResolver("org/app", "ghcr.io", ".", nil, nil)
	require.NoError(t, err)
	ref, err := r.Reference("v1")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/org/app:v1", ref)

	_, err = NewResolver("UPPER/case", "", ".", nil, nil)
	assert.ErrorIs(t, err, model.ErrInvalidDescriptor)
}
