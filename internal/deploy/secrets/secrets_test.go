package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets")
	content := "# registry\nREGISTRY_PASSWORD=s3cr3t\nexport DATABASE_PASSWORD=\"p@ss word\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	m, err := LoadEnvFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	v, err := m.Resolve(ctx, "REGISTRY_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", v)

	v, err = m.Resolve(ctx, "DATABASE_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "p@ss word", v)

	_, err = m.Resolve(ctx, "MISSING")
	assert.ErrorIs(t, err, model.ErrSecretNotFound)

	empty, err := LoadEnvFile(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEnv(t *testing.T) {
	t.Setenv("ZD_TEST_SECRET", "from-env")
	v, err := Env{}.Resolve(context.Background(), "ZD_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	_, err = Env{}.Resolve(context.Background(), "ZD_TEST_SECRET_UNSET")
	assert.ErrorIs(t, err, model.ErrSecretNotFound)
}

func TestKeyring(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set("zerodeploy", "API_TOKEN", "tok"))

	k := Keyring{Service: "zerodeploy"}
	v, err := k.Resolve(context.Background(), "API_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "tok", v)

	_, err = k.Resolve(context.Background(), "OTHER")
	assert.ErrorIs(t, err, model.ErrSecretNotFound)
}

type failing struct{}

func (failing) Resolve(context.Context, string) (string, error) {
	return "", errors.New("vault unreachable")
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	c := Chain{Map{"A": "file"}, Map{"A": "shadowed", "B": "second"}}

	v, err := c.Resolve(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "file", v)

	v, err = c.Resolve(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "second", v)

	_, err = c.Resolve(ctx, "C")
	assert.ErrorIs(t, err, model.ErrSecretNotFound)

	_, err = Chain{Map{}, failing{}}.Resolve(ctx, "A")
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrSecretNotFound)

	all, err := ResolveAll(ctx, c, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "file", "B": "second"}, all)

	_, err = ResolveAll(ctx, c, []string{"A", "Z"})
	assert.ErrorIs(t, err, model.ErrSecretNotFound)
}
