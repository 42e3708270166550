package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/astromechza/automerge-notebook/pkg/relay"
	"github.com/astromechza/automerge-notebook/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "", "sqlite database to keep rooms in, rooms are lost on exit when empty")
	secretVar := flag.String("jwt-secret", "", "require HS256 tokens signed with this secret")
	dumpVar := flag.Bool("dump", false, "write every room and its change graph to the temp dir on exit")
	flag.Parse()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	settings := relay.DefaultSettings()
	if *secretVar != "" {
		settings.JWTSecret = []byte(*secretVar)
	}
	if *dbVar != "" {
		slog.Info("Opening database", "path", *dbVar)
		store, err := relay.OpenStore(*dbVar)
		if err != nil {
			return err
		}
		defer store.Close()
		settings.Store = store
	}
	s := relay.NewServer(settings)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: s.Handler()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()
	s.DropConnections()

	wg.Wait()

	if *dumpVar {
		dumpRooms(s)
	}
	return nil
}

func dumpRooms(s *relay.Server) {
	for _, id := range s.Rooms() {
		raw, err := s.Snapshot(context.Background(), id)
		if err != nil {
			slog.Error("failed to dump", "room", id, "err", err)
			continue
		}
		tf := filepath.Join(os.TempDir(), filepath.Base(id)+".automerge")
		if err := os.WriteFile(tf, raw, 0o644); err != nil {
			slog.Error("failed to dump", "room", id, "err", err)
			continue
		}
		slog.Info("dumped", "room", id, "path", tf)
		history, err := s.History(id)
		if err != nil {
			slog.Error("failed to read history", "room", id, "err", err)
			continue
		}
		if svgPath, err := viz.RenderToTemp(history); err != nil {
			slog.Error("failed to render", "room", id, "err", err)
		} else {
			slog.Info("rendered", "room", id, "path", "file://"+svgPath)
		}
	}
}
