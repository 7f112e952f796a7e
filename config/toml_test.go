/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalDefaults(t *testing.T) {
	l := New()
	cfg, err := l.Unmarshal([]byte(`
[server]
port = 8443
`))
	require.NoError(t, err)
	assert.Equal(t, "::", cfg.Server.Listen)
	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, "socks", cfg.Proxy.Protocol)
	assert.Equal(t, 2, cfg.Application.MaxDepth)
	assert.Equal(t, []string{"tls"}, cfg.Application.Protocols)
	assert.Equal(t, "ALL", cfg.TLS.Ciphers)
	assert.Equal(t, "TLS Breaker Proxy", cfg.Providers.SelfsignedCN)
}

func TestUnmarshalSimpleRequiresRemote(t *testing.T) {
	l := New()
	_, err := l.Unmarshal([]byte(`
[proxy]
protocol = "simple"
`))
	assert.Error(t, err)
}

func TestUnmarshalExampleRoundTrips(t *testing.T) {
	l := New()
	cfg, err := l.Unmarshal([]byte(Example()))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadPublishesOnConfigChannel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tmmp.toml")
	require.NoError(t, os.WriteFile(path, []byte(Example()), 0644))

	l := New()
	require.NoError(t, l.Load(path))

	select {
	case cfg := <-l.Config():
		assert.Equal(t, 1234, cfg.Server.Port)
	default:
		t.Fatal("expected a config on the channel")
	}
}
