// Command hub runs a mesh hub relay process: one websocket session per
// registered peer, fanned out transparently, plus the gateway ingress
// and an admin public-key directory endpoint (spec sections 4.4, 4.7).
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meshrelay/internal/config"
	"meshrelay/internal/gateway"
	"meshrelay/internal/hub"
	"meshrelay/internal/log"
)

func main() {
	config.LoadDotEnv()

	bindAddr := config.StringFlag("addr", "MESH_HUB_ADDR", config.DefaultBindAddr, "hub bind address")
	adminPubHex := config.StringFlag("admin-pubkey", "MESH_ADMIN_PUBKEY", "", "hex-encoded admin X25519 public key to publish at /admin/pubkey")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log.Set(logger)
	defer log.Sync()

	h := hub.New()
	gw := gateway.New(h)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	router := mux.NewRouter()
	router.HandleFunc("/mesh", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}
		h.Register(conn)
	})
	gw.RegisterRoutes(router)

	router.HandleFunc("/admin/pubkey", func(w http.ResponseWriter, r *http.Request) {
		if *adminPubHex == "" {
			http.Error(w, "no admin key published on this hub", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pubkey":"` + *adminPubHex + `"}`))
	})

	router.HandleFunc("/gateway", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><p>mesh gateway ingress</p></body></html>"))
	}).Methods(http.MethodGet)

	if *adminPubHex != "" {
		if _, err := hex.DecodeString(*adminPubHex); err != nil {
			log.Fatal("admin pubkey is not valid hex", zap.Error(err))
		}
	}

	srv := &http.Server{Addr: *bindAddr, Handler: router}

	go func() {
		log.Info("hub listening", zap.String("addr", *bindAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("hub server failed", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("hub shut down", zap.Int("peersAtShutdown", h.PeerCount()))
}
