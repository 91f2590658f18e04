// Copyright 2018 The electrum Authors
// This file is part of the electrum library.
//
// The electrum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The electrum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the electrum library. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Nil(t, cfg.Proxy)
	assert.Equal(t, filepath.Join(dir, "certs"), cfg.CertDir())
	assert.Equal(t, filepath.Join(dir, "headers"), cfg.HeadersDir())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	contents := `
checkpoint = 500000
servers = ["electrum.example:50002:s"]

[proxy]
mode = "socks5"
host = "127.0.0.1"
port = 9050
user = "u"
password = "p"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, Filename), []byte(contents), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, uint32(500000), cfg.Checkpoint)
	assert.Equal(t, []string{"electrum.example:50002:s"}, cfg.Servers)
	require.NotNil(t, cfg.Proxy)
	assert.Equal(t, "socks5", cfg.Proxy.Mode)
	assert.Equal(t, uint16(9050), cfg.Proxy.Port)
}

func TestValidateProxyMode(t *testing.T) {
	tests := []struct {
		mode string
		ok   bool
	}{
		{"socks4", true},
		{"socks5", true},
		{"http", false},
		{"", false},
	}
	for _, tt := range tests {
		cfg := &Config{Proxy: &Proxy{Mode: tt.mode, Host: "127.0.0.1", Port: 9050}}
		err := cfg.Validate()
		if tt.ok {
			assert.NoError(t, err, tt.mode)
		} else {
			assert.Error(t, err, tt.mode)
		}
	}
}
