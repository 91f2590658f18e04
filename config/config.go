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

// Package config loads the client configuration.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Filename is the configuration file looked up under the data directory.
const Filename = "electrum.toml"

// Proxy configures outbound SOCKS proxying. Only socks4 and socks5 are
// supported.
type Proxy struct {
	Mode     string `toml:"mode"`
	Host     string `toml:"host"`
	Port     uint16 `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// Config is the client configuration.
type Config struct {
	DataDir string `toml:"data_dir"`

	// Servers to connect to, in host:port:protocol form.
	Servers []string `toml:"servers"`

	// Checkpoint is the hard-coded height below which chain history is
	// never reconsidered.
	Checkpoint uint32 `toml:"checkpoint"`

	Proxy *Proxy `toml:"proxy"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".electrum-go"),
	}
}

// Load reads the configuration file under dir, falling back to defaults when
// it is absent.
func Load(dir string) (*Config, error) {
	cfg := Default()
	if dir != "" {
		cfg.DataDir = dir
	}
	path := filepath.Join(cfg.DataDir, Filename)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "stat config file")
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrap(err, "decode config file")
	}
	if dir != "" {
		cfg.DataDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot honor.
func (c *Config) Validate() error {
	if c.Proxy != nil {
		switch c.Proxy.Mode {
		case "socks4", "socks5":
		default:
			return errors.Errorf("unsupported proxy mode %q", c.Proxy.Mode)
		}
		if c.Proxy.Host == "" || c.Proxy.Port == 0 {
			return errors.New("proxy host and port are required")
		}
	}
	return nil
}

// CertDir returns where per-host certificates are cached.
func (c *Config) CertDir() string {
	return filepath.Join(c.DataDir, "certs")
}

// HeadersDir returns where header chains are stored.
func (c *Config) HeadersDir() string {
	return filepath.Join(c.DataDir, "headers")
}
