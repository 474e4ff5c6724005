// Package gateway implements the HTTP ingress for clients without a mesh
// relay (spec section 4.7, component C7). The gateway is untrusted: it
// sees neither plaintext nor session key, only the two envelopes a
// client already encrypted locally.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"meshrelay/internal/crypto"
	"meshrelay/internal/hub"
	"meshrelay/internal/log"
	"meshrelay/internal/model"
	"meshrelay/internal/wire"
)

// settleDelay is the brief pause between emitting the MessageEnvelope
// and the KeyEnvelope (spec section 4.7, step 4: "≈100 ms"). The
// ordering is mandatory; the delay only affects minimum join latency,
// never correctness (spec section 4.7's closing note).
const settleDelay = 100 * time.Millisecond

// Emitter is the seam the gateway injects synthesized envelopes through.
// A hub.Hub satisfies this via Hub.Inject; tests can fake it.
type Emitter interface {
	Inject(fromPeer string, f wire.Frame)
}

// selfPeerId is the pseudo peer identity the hub attributes gateway
// traffic to, matching the hop entry synthesised below.
const selfPeerId = "gateway"

// Gateway is the /gateway/submit HTTP handler and its hub-side emitter.
type Gateway struct {
	emit Emitter
}

// New constructs a gateway that injects envelopes into emit.
func New(emit Emitter) *Gateway {
	return &Gateway{emit: emit}
}

type submitRequest struct {
	EncryptedPayload string            `json:"encryptedPayload"`
	WrappedKey       string            `json:"wrappedKey"`
	MsgId            string            `json:"msgId"`
	From             string            `json:"from,omitempty"`
	Algorithm        string            `json:"algorithm,omitempty"`
	Meta             map[string]string `json:"meta,omitempty"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	MsgId   string `json:"msgId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RegisterRoutes wires the gateway's HTTP contract onto r.
func (g *Gateway) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/gateway/submit", g.handleSubmit).Methods(http.MethodPost)
}

func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	// The gateway is the mesh's untrusted ingress: nothing about the
	// wire-path frame size cap (spec section 6.4) protects it, since
	// synthesized envelopes go straight to Emitter.Inject rather than
	// through a session's ReadMessage. Enforce the same cap here.
	r.Body = http.MaxBytesReader(w, r.Body, hub.MaxFrameSize)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, model.ErrPayloadTooLarge.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.EncryptedPayload == "" || req.WrappedKey == "" || req.MsgId == "" {
		writeError(w, http.StatusBadRequest, "encryptedPayload, wrappedKey, and msgId are required")
		return
	}

	from := req.From
	if from == "" {
		from = "gateway_user"
	}

	now := time.Now().UTC()
	env := model.MessageEnvelope{
		MsgId:     req.MsgId,
		Type:      model.TypeE2E,
		From:      from,
		To:        "admin",
		Timestamp: now,
		Ttl:       model.DefaultTTL,
		Hops:      []model.HopRecord{{NodeId: selfPeerId, Timestamp: now}},
		Payload:   req.EncryptedPayload,
		Meta:      req.Meta,
	}
	algorithm := req.Algorithm
	if algorithm == "" {
		algorithm = crypto.Algorithm
	}
	key := model.KeyEnvelope{
		MsgId:      req.MsgId,
		From:       from,
		To:         "admin",
		WrappedKey: req.WrappedKey,
		Algorithm:  algorithm,
	}

	msgFrame, err := wire.MessageFrame(env)
	if err != nil {
		log.Error("gateway synthesised message marshal failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	keyFrame, err := wire.KeyFrame(key)
	if err != nil {
		log.Error("gateway synthesised key marshal failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	g.emit.Inject(selfPeerId, msgFrame)
	go func() {
		time.Sleep(settleDelay)
		g.emit.Inject(selfPeerId, keyFrame)
	}()

	writeJSON(w, http.StatusOK, submitResponse{Success: true, MsgId: req.MsgId})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, submitResponse{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
