package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/zerodeploy/internal/config"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

func descriptor(t *testing.T) *config.Descriptor {
	t.Helper()
	src := `
service: myapp
image: myapp
servers:
  web:
    - 10.0.0.2
    - deploy@10.0.0.1:2222
  job:
    hosts: [10.0.0.2, 10.0.0.3]
accessories:
  redis:
    image: redis:7
    host: 10.0.0.3
ssh:
  user: app
healthcheck:
  max_attempts: 3
  initial_interval: 1s
  timeout: 10s
drain_timeout: 5s
`
	d, err := config.ParseDescriptor([]byte(src), func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	return d
}

func TestRegistry(t *testing.T) {
	r, err := New(descriptor(t))
	require.NoError(t, err)
	assert.Equal(t, "myapp", r.Service())

	hosts := r.Hosts()
	require.Len(t, hosts, 3)
	assert.Equal(t, "10.0.0.2", hosts[0].Address)
	assert.Equal(t, []string{"web", "job"}, hosts[0].Roles)
	assert.Equal(t, "app", hosts[0].User)
	assert.Equal(t, 22, hosts[0].Port)

	assert.Equal(t, "10.0.0.1", hosts[1].Address)
	assert.Equal(t, "deploy", hosts[1].User)
	assert.Equal(t, 2222, hosts[1].Port)

	assert.Equal(t, []string{"job", "redis"}, hosts[2].Roles)

	roles := r.Roles()
	require.Len(t, roles, 2)
	assert.Equal(t, model.RoleKindService, roles[0].Kind)
	assert.True(t, roles[0].Proxy)
	assert.Equal(t, model.RoleKindWorker, roles[1].Kind)

	acc := r.Accessories()
	require.Len(t, acc, 1)
	assert.False(t, acc[0].Rollable())
	assert.Equal(t, "redis:7", acc[0].Image)

	web := r.HostsFor("web")
	require.Len(t, web, 2)
	assert.Equal(t, "10.0.0.2", web[0].Address)
	assert.Equal(t, "10.0.0.1", web[1].Address)
	assert.Nil(t, r.HostsFor("nope"))
}

func TestRegistryEveryHostHasARole(t *testing.T) {
	r, err := New(descriptor(t))
	require.NoError(t, err)
	for _, h := range r.Hosts() {
		assert.NotEmpty(t, h.Roles, h.Address)
	}
}

func TestSelect(t *testing.T) {
	r, err := New(descriptor(t))
	require.NoError(t, err)

	all, err := r.Select(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"web", "job"}, all)

	some, err := r.Select([]string{"job", "web"})
	require.NoError(t, err)
	assert.Equal(t, []string{"web", "job"}, some)

	_, err = r.Select([]string{"nope"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = r.Select([]string{"redis"})
	assert.ErrorIs(t, err, model.ErrInvalidBatchConfig)
}

func TestParseHost(t *testing.T) {
	ssh := config.SSHConfig{User: "root", Port: 22, Key: "~/.ssh/id_ed25519"}
	tests := []struct {
		in      string
		want    model.Host
		wantErr bool
	}{
		{in: "10.0.0.1", want: model.Host{Address: "10.0.0.1", User: "root", Port: 22, KeyRef: ssh.Key}},
		{in: "ops@example.com:2200", want: model.Host{Address: "example.com", User: "ops", Port: 2200, KeyRef: ssh.Key}},
		{in: "fe80::1", want: model.Host{Address: "fe80::1", User: "root", Port: 22, KeyRef: ssh.Key}},
		{in: "host:notaport", wantErr: true},
		{in: "user@", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseHost(tt.in, ssh)
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrInvalidDescriptor)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
