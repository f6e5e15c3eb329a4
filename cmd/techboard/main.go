package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/xnscdev/techboard/internal/relay"
	"github.com/xnscdev/techboard/internal/room"
	"github.com/xnscdev/techboard/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:5174", "the address to listen on")
	statsVar := flag.Duration("stats-interval", 30*time.Second, "how often to log room stats")
	flag.Parse()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	registry := room.NewRegistry()

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Path("/ws").Handler(relay.NewHandler(registry))
	r.Methods(http.MethodGet).Path("/rooms/{room}/snapshot").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		vars := mux.Vars(request)
		rm, ok := registry.Get(vars["room"])
		if !ok {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		writer.Header().Add("Content-Type", "application/octet-stream")
		if _, err := writer.Write(rm.Snapshot()); err != nil {
			slog.Error("failed to write out", "err", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(*statsVar)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				sessions := 0
				registry.Range(func(rm *room.Room) bool {
					sessions += rm.Peers()
					return true
				})
				slog.Info("stats", "rooms", registry.Len(), "sessions", sessions)
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: r}

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

	wg.Wait()

	// Rooms live only in memory; dump what is left as debug artifacts for
	// boardviz before it all goes away.
	registry.Range(func(rm *room.Room) bool {
		snapshot := rm.Snapshot()
		tf := filepath.Join(os.TempDir(), fmt.Sprintf("board-%s.techboard", rm.ID))
		if err := os.WriteFile(tf, snapshot, 0o644); err != nil {
			slog.Error("failed to dump", "room", rm.ID, "err", err)
			return true
		}
		slog.Info("dumped", "room", rm.ID, "path", tf)
		if doc, err := automerge.Load(snapshot); err == nil {
			if svgPath, err := viz.RenderToTemp(doc); err != nil {
				slog.Error("failed to render", "room", rm.ID, "err", err)
			} else {
				slog.Info("rendered", "room", rm.ID, "path", "file://"+svgPath)
			}
		}
		return true
	})

	return nil
}
