// Command node runs a single mesh participant: it connects to one hub,
// dedupes and persists everything it sees, forwards while TTL remains,
// and — when started with -admin — runs the admin decryption join
// against its own private key (spec section 4.3, component C3).
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"meshrelay/internal/adminjoin"
	"meshrelay/internal/config"
	"meshrelay/internal/crypto"
	"meshrelay/internal/dedupe"
	"meshrelay/internal/envelope"
	"meshrelay/internal/log"
	"meshrelay/internal/model"
	"meshrelay/internal/relay"
	"meshrelay/internal/store"
)

// e2eSettleDelay mirrors the gateway's settle delay (spec section 4.7,
// step 4) between emitting the MessageEnvelope and its KeyEnvelope, so
// the message normally reaches an admin ahead of its key. The admin join
// accepts either arrival order; the delay affects only join latency.
const e2eSettleDelay = 100 * time.Millisecond

func main() {
	config.LoadDotEnv()

	hubURL := config.StringFlag("hub", "MESH_HUB_URL", "ws://localhost:3000/mesh", "hub websocket URL")
	mongoURI := config.StringFlag("mongo", "MESH_MONGO_URI", config.DefaultMongoURI, "mongo connection URI")
	dbName := config.StringFlag("db", "MESH_DB_NAME", "mesh_node", "mongo database name for this node")
	redisAddr := config.StringFlag("redis", "MESH_REDIS_ADDR", config.DefaultRedisAddr, "redis address for the dedupe store")
	debugAddr := config.StringFlag("debug-addr", "MESH_NODE_DEBUG_ADDR", config.DefaultDebugAddr, "bind address for this node's /debug/export operator endpoint")
	admin := flag.Bool("admin", false, "run this node as an administrator (generates admin keys on first start)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log.Set(logger)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mongoClient, err := connectMongo(ctx, *mongoURI)
	if err != nil {
		log.Fatal("mongo connect failed", zap.Error(err))
	}
	st := store.New(mongoClient.Database(*dbName))

	identity, err := loadOrCreateIdentity(ctx, st, *admin)
	if err != nil {
		log.Fatal("identity setup failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	dd := dedupe.New(rdb, string(identity.NodeId))

	r := relay.New(relay.Config{
		Self:   identity.NodeId,
		HubURL: *hubURL,
		Dedupe: dd,
		Store:  st,
	})

	if err := r.RebuildDedupe(ctx); err != nil {
		log.Warn("dedupe rebuild from log failed", zap.Error(err))
	}

	r.OnMessage(func(env model.MessageEnvelope) {
		if env.IsBroadcast() {
			fmt.Printf("[%s] %s: %s\n", env.From, env.Timestamp.Format(time.Kitchen), env.Payload)
		}
	})
	r.OnPeerDiscovered(func(peerId string) {
		log.Info("peer discovered", zap.String("peerId", peerId))
	})
	r.OnPeerLost(func(peerId string) {
		log.Info("peer lost", zap.String("peerId", peerId))
	})

	if identity.Admin != nil {
		joiner := adminjoin.New(*identity.Admin, st)
		joiner.OnDecrypted(func(dm model.DecryptedMessage) {
			fmt.Printf("[decrypted] %s (from %s): %s\n", dm.MsgId, dm.From, dm.Content)
		})
		r.OnMessage(joiner.HandleMessage)
		r.OnKey(joiner.HandleKey)
		log.Info("running in admin mode",
			zap.String("adminPublic", fmt.Sprintf("%x", identity.Admin.Public)))
	}

	r.Start(ctx)
	defer r.Close()

	go runConsole(ctx, r, identity)

	debugSrv := newDebugServer(*debugAddr, st)
	go func() {
		log.Info("node debug endpoint listening", zap.String("addr", *debugAddr))
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("node debug server failed", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	_ = debugSrv.Shutdown(shutdownCtx)
}

// newDebugServer wires the operator audit dump (spec section 4.8's
// export, SUPPLEMENTED FEATURES) onto this node's own HTTP surface —
// each node owns its own Store, so there is no shared hub-side place to
// serve it from.
func newDebugServer(addr string, st *store.Store) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/debug/export", func(w http.ResponseWriter, r *http.Request) {
		data, err := st.ExportJSON(r.Context())
		if err != nil {
			log.Error("debug export failed", zap.Error(err))
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}).Methods(http.MethodGet)
	return &http.Server{Addr: addr, Handler: router}
}

func connectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, store.PingTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(connectCtx, nil)
}

func loadOrCreateIdentity(ctx context.Context, st *store.Store, wantAdmin bool) (store.Identity, error) {
	id, ok, err := st.LoadIdentity(ctx)
	if err != nil {
		return store.Identity{}, err
	}
	if ok {
		if wantAdmin && id.Admin == nil {
			kp, err := crypto.NewAdminKeyPair()
			if err != nil {
				return store.Identity{}, err
			}
			id.Admin = &kp
			if err := st.SaveIdentity(ctx, id); err != nil {
				return store.Identity{}, err
			}
		}
		return id, nil
	}

	id = store.Identity{NodeId: model.NewNodeId()}
	if wantAdmin {
		kp, err := crypto.NewAdminKeyPair()
		if err != nil {
			return store.Identity{}, err
		}
		id.Admin = &kp
	}
	if err := st.SaveIdentity(ctx, id); err != nil {
		return store.Identity{}, err
	}
	return id, nil
}

// runConsole is a minimal line-oriented console for demo/manual use:
// typing text sends a broadcast; "/e2e <adminPubHex> <text>" instead
// originates a private admin-only message the way a node process does
// it without going through the untrusted Gateway (spec section 2 step
// 1's "or calls C5" branch, distinct from section 4.7's HTTP path). The
// UI itself is out of scope for the core protocol (spec section 1),
// this is just a thin stdin driver.
func runConsole(ctx context.Context, r *relay.Relay, id store.Identity) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "/e2e "); ok {
			sendE2E(ctx, r, id, rest)
			continue
		}
		env := envelope.NewBroadcast(id.NodeId, line, nil)
		if err := r.Broadcast(ctx, env); err != nil {
			log.Error("broadcast failed", zap.Error(err))
		}
	}
}

// sendE2E parses "<adminPubHex> <text>", seals text to the admin public
// key via crypto.Seal, and emits the resulting MessageEnvelope followed
// by its KeyEnvelope (spec section 4.5's dual-mesh split).
func sendE2E(ctx context.Context, r *relay.Relay, id store.Identity, args string) {
	adminHex, text, ok := strings.Cut(args, " ")
	if !ok || adminHex == "" || text == "" {
		fmt.Println("usage: /e2e <adminPubHex> <text>")
		return
	}

	raw, err := hex.DecodeString(adminHex)
	if err != nil || len(raw) != 32 {
		fmt.Println("adminPubHex must be 64 hex characters (32 bytes)")
		return
	}
	var adminPub [32]byte
	copy(adminPub[:], raw)

	sealed, err := crypto.Seal(adminPub, []byte(text))
	if err != nil {
		log.Error("e2e seal failed", zap.Error(err))
		return
	}

	env := envelope.NewE2E(id.NodeId, sealed.Payload, nil)
	if err := r.Broadcast(ctx, env); err != nil {
		log.Error("e2e message broadcast failed", zap.Error(err))
		return
	}

	key := envelope.NewKeyEnv(env.MsgId, id.NodeId.PseudoId(), sealed.WrappedKey, crypto.Algorithm)
	go func() {
		time.Sleep(e2eSettleDelay)
		if err := r.BroadcastKey(ctx, key); err != nil {
			log.Error("e2e key broadcast failed", zap.Error(err))
		}
	}()
}
