// Package config holds the YAML-decodable settings for the gorain
// engine and CLI, following the teacher's handleServer config-loading
// pattern in main.go.
package config

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config carries every tunable referenced by the engine, session
// package, and CLI.
type Config struct {
	ListenPort       int           `yaml:"ListenPort"`
	UploadSlots      int           `yaml:"UploadSlots"`
	BlockSize        uint32        `yaml:"BlockSize"`
	HandshakeTimeout time.Duration `yaml:"HandshakeTimeout"`
	UnchokeTimeout   time.Duration `yaml:"UnchokeTimeout"`
	IdleTimeout      time.Duration `yaml:"IdleTimeout"`
	EnableEncryption bool          `yaml:"EnableEncryption"`
	EnableUPnP       bool          `yaml:"EnableUPnP"`
	RPCAddr          string        `yaml:"RPCAddr"`
	DataDir          string        `yaml:"DataDir"`
}

// Default returns the configuration mandated by spec.md §5.
func Default() Config {
	return Config{
		ListenPort:       6881,
		UploadSlots:      4,
		BlockSize:        16 * 1024,
		HandshakeTimeout: 5 * time.Second,
		UnchokeTimeout:   30 * time.Second,
		IdleTimeout:      60 * time.Second,
		EnableEncryption: false,
		EnableUPnP:       false,
		RPCAddr:          "127.0.0.1:7246",
		DataDir:          "~/gorain",
	}
}

// Load reads path (expanding a leading "~"), falling back silently to
// def when the file does not exist. A malformed file is an error.
// This mirrors the teacher's handleServer: homedir.Expand, then
// os.IsNotExist short-circuits to defaults, otherwise yaml.Unmarshal
// into the given base config.
func Load(path string, def Config) (Config, error) {
	cfg := def
	if path == "" {
		return cfg, nil
	}
	p, err := homedir.Expand(path)
	if err != nil {
		return cfg, err
	}
	b, err := ioutil.ReadFile(p) // nolint: gosec
	switch {
	case os.IsNotExist(err):
		return cfg, nil
	case err != nil:
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
