// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package config loads nix-dispatch's on-disk configuration: a hujson
// (JWCC) file merged with environment variable overrides, validated
// before use.
package config

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"

	"nixdispatch.dev/pkg/objectstore"
	"nixdispatch.dev/pkg/zbstore"
)

// Config is the top-level configuration for both the build broker and
// the build worker: the two processes share the same store/queue/object
// store coordinates, so one file (and one env var namespace) configures
// either.
type Config struct {
	// Debug enables verbose logging.
	Debug bool `json:"debug"`

	// Directory is the store directory derivations and outputs are
	// rooted under.
	Directory zbstore.Directory `json:"storeDirectory"`
	// StoreSocket is the path to the local zb store daemon's Unix
	// socket a worker dials.
	StoreSocket string `json:"storeSocket"`

	// WorkQueue is the provider-specific name of the shared work queue
	// the broker publishes to and the worker loop drains.
	WorkQueue string `json:"workQueue"`

	// Artifacts configures the shared object store used to stage build
	// inputs and outputs between workers.
	Artifacts ArtifactsConfig `json:"artifacts"`

	// Cores is the number of concurrent evaluation/build jobs to run.
	Cores int `json:"cores"`

	// LeaseTimeoutSeconds bounds how long a worker holds a work message
	// invisible to other workers before it must renew the lease.
	LeaseTimeoutSeconds int `json:"leaseTimeoutSeconds"`
	// MaxReceiveCount is the dead-letter threshold: a work message
	// received more than this many times is reported as failed and
	// left undeleted for the queue provider's dead-letter policy
	// rather than built again.
	MaxReceiveCount int `json:"maxReceiveCount"`

	// StatusAddr is the listen address for a worker's [worker.StatusServer].
	StatusAddr string `json:"statusAddr"`
}

// ArtifactsConfig configures the shared object store.
type ArtifactsConfig struct {
	// Dir is the filesystem directory backing the [objectstore.FSStore]
	// used for single-host deployments and local testing.
	Dir string `json:"dir"`
	// CredentialsPath is the path to the age-encrypted credential
	// profile loaded via [objectstore.LoadCredentials].
	CredentialsPath string `json:"credentialsPath"`
	// Compression is the content-coding newly written NAR objects are
	// stored under.
	Compression objectstore.Compression `json:"compression"`
	// Keys overrides the default object-store key layout.
	Keys objectstore.KeyTemplates `json:"keyTemplates"`
	// UpstreamCacheURL, if set, is a binary cache a worker falls back to
	// for a derivation's input closure when an object is missing from
	// the shared artifact store, speaking the same protocol
	// internal/remotestore.HTTPStore implements.
	UpstreamCacheURL string `json:"upstreamCacheUrl"`
}

// defaultDirectory is the store directory used when neither a config
// file nor ZB_STORE_DIR specifies one, matching the standard "/zb/store"
// default layout.
const defaultDirectory zbstore.Directory = "/zb/store"

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		Directory:           defaultDirectory,
		StoreSocket:         filepath.Join(defaultVarDir(), "server.sock"),
		WorkQueue:           "zb-work",
		Cores:               runtime.NumCPU(),
		LeaseTimeoutSeconds: 120,
		MaxReceiveCount:     10,
		StatusAddr:          "localhost:7935",
		Artifacts: ArtifactsConfig{
			Dir:         filepath.Join(defaultVarDir(), "artifacts"),
			Compression: objectstore.CompressionGzip,
			Keys:        objectstore.DefaultKeyTemplates,
		},
	}
}

// Load reads and merges each hujson file in paths (in order, skipping
// any that do not exist) into a freshly defaulted [Config], applies
// environment variable overrides, and validates the result.
func Load(paths iter.Seq[string]) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFiles(paths); err != nil {
		return nil, err
	}
	if err := cfg.mergeEnvironment(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, cfg, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return nil
}

// mergeEnvironment applies NIX_DISPATCH_*/CORES overrides on top of
// whatever files set.
func (cfg *Config) mergeEnvironment() error {
	if dir := os.Getenv("ZB_STORE_DIR"); dir != "" {
		zbDir, err := zbstore.CleanDirectory(dir)
		if err != nil {
			return fmt.Errorf("config: ZB_STORE_DIR: %w", err)
		}
		cfg.Directory = zbDir
	}
	if path := os.Getenv("ZB_STORE_SOCKET"); path != "" {
		cfg.StoreSocket = path
	}
	if queue := os.Getenv("NIX_DISPATCH_WORK_QUEUE"); queue != "" {
		cfg.WorkQueue = queue
	}
	if creds := os.Getenv("NIX_DISPATCH_CREDENTIALS"); creds != "" {
		cfg.Artifacts.CredentialsPath = creds
	}
	if dir := os.Getenv("NIX_DISPATCH_ARTIFACTS_DIR"); dir != "" {
		cfg.Artifacts.Dir = dir
	}
	if url := os.Getenv("NIX_DISPATCH_UPSTREAM_CACHE"); url != "" {
		cfg.Artifacts.UpstreamCacheURL = url
	}
	if addr := os.Getenv("NIX_DISPATCH_STATUS_ADDR"); addr != "" {
		cfg.StatusAddr = addr
	}
	if cores := os.Getenv("CORES"); cores != "" {
		n, err := strconv.Atoi(cores)
		if err != nil || n <= 0 {
			return fmt.Errorf("config: CORES must be a positive integer, got %q", cores)
		}
		cfg.Cores = n
	}
	return nil
}

func (cfg *Config) validate() error {
	if !filepath.IsAbs(string(cfg.Directory)) {
		return fmt.Errorf("config: store directory %q is not absolute", cfg.Directory)
	}
	if cfg.StoreSocket == "" {
		return fmt.Errorf("config: store socket path not set")
	}
	if cfg.WorkQueue == "" {
		return fmt.Errorf("config: work queue name not set")
	}
	if cfg.Artifacts.Dir == "" {
		return fmt.Errorf("config: artifacts directory not set")
	}
	if cfg.Cores <= 0 {
		return fmt.Errorf("config: cores must be positive, got %d", cfg.Cores)
	}
	if cfg.LeaseTimeoutSeconds <= 0 {
		return fmt.Errorf("config: leaseTimeoutSeconds must be positive, got %d", cfg.LeaseTimeoutSeconds)
	}
	return nil
}

// defaultVarDir returns this process's default state directory,
// relative to the store directory's parent.
func defaultVarDir() string {
	return filepath.Join(filepath.Dir(string(defaultDirectory)), "var", "zb-dispatch")
}
