package containerizer

import (
	"path/filepath"
	"testing"

	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackctl/internal/config"
)

func TestParsePort(t *testing.T) {
	tests := []struct {
		raw     string
		want    PortMapping
		wantErr bool
	}{
		{raw: "6379", want: PortMapping{ContainerPort: 6379, Protocol: "tcp"}},
		{raw: "8080:80", want: PortMapping{HostPort: "8080", ContainerPort: 80, Protocol: "tcp"}},
		{raw: "127.0.0.1:9100:9100", want: PortMapping{HostIP: "127.0.0.1", HostPort: "9100", ContainerPort: 9100, Protocol: "tcp"}},
		{raw: "53:53/udp", want: PortMapping{HostPort: "53", ContainerPort: 53, Protocol: "udp"}},
		{raw: "[::1]:8080:80", want: PortMapping{HostIP: "::1", HostPort: "8080", ContainerPort: 80, Protocol: "tcp"}},
		{raw: "80/icmp", wantErr: true},
		{raw: "a:b", wantErr: true},
		{raw: "0", wantErr: true},
		{raw: "70000:80", wantErr: true},
		{raw: "nope:80:80", wantErr: true},
		{raw: "1:2:3:4", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParsePort(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortBindings(t *testing.T) {
	exposed, bindings, err := portBindings([]string{"8000:8000", "9090"})
	require.NoError(t, err)

	p8000, _ := network.PortFrom(8000, "tcp")
	p9090, _ := network.PortFrom(9090, "tcp")
	assert.Contains(t, exposed, p8000)
	assert.Contains(t, exposed, p9090)
	require.Len(t, bindings[p8000], 1)
	assert.Equal(t, "0.0.0.0", bindings[p8000][0].HostIP.String())
	assert.NotContains(t, bindings, p9090, "container-only port is exposed but not published")
}

func TestVolumeMounts(t *testing.T) {
	base := t.TempDir()
	mounts, err := volumeMounts("shop", base, []config.VolumeMount{
		{Source: "./static", Target: "/srv/static", ReadOnly: true},
		{Source: "redis-data", Target: "/data"},
		{Source: "/var/run/docker.sock", Target: "/var/run/docker.sock", ReadOnly: true},
	})
	require.NoError(t, err)

	assert.Equal(t, []mount.Mount{
		{Type: mount.TypeBind, Source: filepath.Join(base, "static"), Target: "/srv/static", ReadOnly: true},
		{Type: mount.TypeVolume, Source: "shop_redis-data", Target: "/data"},
		{Type: mount.TypeBind, Source: "/var/run/docker.sock", Target: "/var/run/docker.sock", ReadOnly: true},
	}, mounts)

	_, err = volumeMounts("shop", base, []config.VolumeMount{{Source: "x", Target: "relative"}})
	assert.Error(t, err)
}
