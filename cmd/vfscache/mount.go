package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wolfeidau/vfs-cache/fusefs"
)

// MountCmd mounts a virtual directory until interrupted.
type MountCmd struct {
	Root       string        `arg:"" help:"Virtual directory to expose, for example /vsizip//data/archive.zip."`
	Mountpoint string        `arg:"" help:"Directory to mount on. Created when missing."`
	AllowOther bool          `help:"Allow other users to access the mount."`
	Timeout    time.Duration `help:"Kernel entry and attribute cache timeout." default:"1s"`
}

func (c *MountCmd) Run(app *App) error {
	server, err := fusefs.Mount(app.Ctx, fusefs.Options{
		Mountpoint: c.Mountpoint,
		Root:       c.Root,
		Files:      app.Set.Registry,
		Shared:     app.Set.Shared,
		AllowOther: c.AllowOther,
		Timeout:    c.Timeout,
		Logger:     app.Logger,
	})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-app.Ctx.Done():
		app.Logger.Info("received signal, unmounting", "mountpoint", c.Mountpoint)
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmounting %s: %w", c.Mountpoint, err)
		}
		<-done
	case <-done:
		app.Logger.Info("unmounted externally", "mountpoint", c.Mountpoint)
	}
	return nil
}

// ServeMetricsCmd serves Prometheus metrics until interrupted.
type ServeMetricsCmd struct {
	Addr string `help:"Address to listen on." default:":9090"`
}

func (c *ServeMetricsCmd) Run(app *App, g *Globals) error {
	if g.MetricsAddr != "" {
		return errors.New("serve-metrics listens on --addr, drop --metrics-addr")
	}
	srv := newMetricsServer(c.Addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	app.Logger.Info("serving metrics", "address", c.Addr)

	select {
	case <-app.Ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
