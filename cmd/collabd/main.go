// Command collabd is the collaboration worker's process entrypoint: it
// wires the Registry, durable storage Backend, admin-service client, and
// Dispatcher together behind one HTTP server, and drains rooms on
// shutdown (SPEC_FULL.md's supplemented "graceful shutdown draining"
// feature).
//
// Grounded on perkeep's server/camlistored/camlistored.go main/flag/signal
// wiring, simplified to this service's much smaller configuration surface
// (spec.md §6 has no config file, just a handful of environment variables
// plus one listen address).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dacollab.dev/internal/config"
	"dacollab.dev/pkg/adminclient"
	"dacollab.dev/pkg/dispatcher"
	"dacollab.dev/pkg/registry"
	"dacollab.dev/pkg/roomstorage"
)

var (
	listenFlag   = flag.String("listen", ":8080", "host:port to listen on")
	storageFlag  = flag.String("storage", "collabd-storage.leveldb", "path to the durable room storage LevelDB database")
	drainTimeout = flag.Duration("drain-timeout", 12*time.Second, "how long to wait for rooms to finish draining on shutdown")
)

func main() {
	flag.Parse()

	cfg := config.FromEnv()

	backend, err := roomstorage.OpenBackend(*storageFlag)
	if err != nil {
		log.Fatalf("collabd: opening durable storage at %s: %v", *storageFlag, err)
	}
	defer backend.Close()

	reg := registry.New()
	d := &dispatcher.Dispatcher{
		Registry: reg,
		Storage:  backend,
		Admin:    &adminclient.Client{},
		Config:   cfg,
	}

	srv := &http.Server{
		Addr:    *listenFlag,
		Handler: d,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("collabd: listening on %s", *listenFlag)
		serveErr <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("collabd: serve: %v", err)
		}
	case s := <-sig:
		log.Printf("collabd: received %s, draining", s)
		shutdown(srv, reg)
	}
}

// shutdown stops accepting new connections, closes every Room's live
// connections so pending debounced write-backs get a last chance to flush
// (bounded by the existing 10s write-back max-wait, not a new timeout —
// spec.md §5), then waits out drainTimeout for the HTTP server to finish
// closing in-flight handlers.
func shutdown(srv *http.Server, reg *registry.Registry) {
	for _, h := range reg.All() {
		h.CloseAll(nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *drainTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("collabd: shutdown: %v", err)
	}
}
