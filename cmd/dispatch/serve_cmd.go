// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"nixdispatch.dev/pkg/config"
	"nixdispatch.dev/pkg/internal/backend"
	"nixdispatch.dev/pkg/internal/jsonrpc"
	"nixdispatch.dev/pkg/sets"
	"nixdispatch.dev/pkg/zbstore"
)

// serveOptions holds the flags specific to running the local zb store
// daemon a [worker.LocalStore] dials into: these concerns (build
// directory, database path) have no analogue in [config.Config]. The
// daemon is a narrow single-tenant collaborator, so it runs every
// builder directly as its own user rather than maintaining a sandbox
// or a pool of privilege-dropped build users.
type serveOptions struct {
	dbPath            string
	buildDir          string
	allowKeepFailed   bool
	coresPerBuild     int
	buildLogRetention time.Duration
}

func newServeCommand(cfg **config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve [options]",
		Short:                 "run the local zb store daemon workers dial into",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &serveOptions{}
	c.Flags().StringVar(&opts.dbPath, "db", "", "`path` to store database file (default: alongside the store socket)")
	c.Flags().StringVar(&opts.buildDir, "build-root", os.TempDir(), "`dir`ectory to store temporary build artifacts")
	c.Flags().BoolVar(&opts.allowKeepFailed, "allow-keep-failed", true, "allow user to skip cleanup of failed builds")
	c.Flags().IntVar(&opts.coresPerBuild, "cores-per-build", runtime.NumCPU(), "hint to builders for `number` of concurrent jobs to run")
	c.Flags().DurationVar(&opts.buildLogRetention, "build-log-retention", 7*24*time.Hour, "`duration` before deleting finished build logs")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if opts.dbPath == "" {
			opts.dbPath = filepath.Join(filepath.Dir((*cfg).StoreSocket), "db.sqlite")
		}
		if opts.coresPerBuild <= 0 {
			opts.coresPerBuild = (*cfg).Cores
		}
		return runServe(cmd.Context(), *cfg, opts)
	}
	return c
}

func runServe(ctx context.Context, cfg *config.Config, opts *serveOptions) error {
	if !cfg.Directory.IsNative() {
		return fmt.Errorf("%s cannot be used on this system", cfg.Directory)
	}
	if err := ensureStoreDirectory(string(cfg.Directory), -1); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StoreSocket), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(opts.dbPath), 0o755); err != nil {
		return err
	}

	l, err := listenUnix(cfg.StoreSocket)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	openConns := make(sets.Set[*net.UnixConn])
	var openConnsMu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()
		log.Infof(ctx, "Shutting down (signal received)...")

		if err := l.Close(); err != nil {
			log.Errorf(ctx, "Closing Unix socket: %v", err)
		}
		openConnsMu.Lock()
		for conn := range openConns.All() {
			if err := conn.CloseRead(); err != nil {
				log.Errorf(ctx, "Closing Unix socket: %v", err)
			}
		}
		openConnsMu.Unlock()
	}()
	defer func() {
		cancel()
		wg.Wait()

		if err := os.Remove(cfg.StoreSocket); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf(ctx, "Failed to clean up socket: %v", err)
		}
	}()

	log.Infof(ctx, "Listening on %s", cfg.StoreSocket)
	srv := backend.NewServer(cfg.Directory, opts.dbPath, &backend.Options{
		BuildDir:          opts.buildDir,
		AllowKeepFailed:   opts.allowKeepFailed,
		CoresPerBuild:     opts.coresPerBuild,
		BuildLogRetention: opts.buildLogRetention,
	})
	defer func() {
		if err := srv.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	for {
		conn, err := l.AcceptUnix()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		openConnsMu.Lock()
		openConns.Add(conn)
		openConnsMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			recv := srv.NewNARReceiver(ctx)
			defer recv.Cleanup(ctx)

			codec := zbstore.NewCodec(nopCloser{conn}, recv)
			jsonrpc.Serve(backend.WithExporter(ctx, codec), codec, srv)
			codec.Close()

			openConnsMu.Lock()
			openConns.Delete(conn)
			openConnsMu.Unlock()

			if err := conn.Close(); err != nil {
				log.Errorf(ctx, "%v", err)
			}
		}()
	}
}

func ensureStoreDirectory(path string, gid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	const mode os.FileMode = 0o775 | os.ModeSticky
	if err := os.Mkdir(path, mode); err != nil {
		if errors.Is(err, os.ErrExist) {
			err = nil
		}
		return err
	}
	if err := os.Chmod(path, mode); err != nil {
		return err
	}
	if gid == -1 || gid == os.Getegid() {
		return nil
	}
	if err := os.Chown(path, -1, gid); err != nil {
		return err
	}
	return nil
}

func listenUnix(path string) (*net.UnixListener, error) {
	laddr := &net.UnixAddr{
		Net:  "unix",
		Name: path,
	}
	l, err := net.ListenUnix(laddr.Net, laddr)
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(path, 0o777); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

type nopCloser struct {
	io.ReadWriter
}

func (nopCloser) Close() error {
	return nil
}
