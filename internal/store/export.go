package store

import (
	"context"
	"encoding/json"
	"fmt"

	"meshrelay/internal/model"
)

// ExportDocument is the single JSON document an export() serialises the
// first four collections into, for operator audit (spec section 4.8).
type ExportDocument struct {
	Broadcasts  []model.MessageEnvelope  `json:"broadcasts"`
	MessageMesh []model.MessageEnvelope  `json:"messageMesh"`
	KeyMesh     []model.KeyEnvelope      `json:"keyMesh"`
	Decrypted   []model.DecryptedMessage `json:"decrypted"`
}

// Export serialises broadcasts, messageMesh, keyMesh, and decrypted into
// one document.
func (s *Store) Export(ctx context.Context) (ExportDocument, error) {
	broadcasts, err := s.AllBroadcasts(ctx)
	if err != nil {
		return ExportDocument{}, err
	}
	messages, err := s.AllMessages(ctx)
	if err != nil {
		return ExportDocument{}, err
	}
	keys, err := s.AllKeys(ctx)
	if err != nil {
		return ExportDocument{}, err
	}
	decrypted, err := s.AllDecrypted(ctx)
	if err != nil {
		return ExportDocument{}, err
	}

	return ExportDocument{
		Broadcasts:  broadcasts,
		MessageMesh: messages,
		KeyMesh:     keys,
		Decrypted:   decrypted,
	}, nil
}

// ExportJSON is a convenience wrapper returning the export as formatted JSON bytes.
func (s *Store) ExportJSON(ctx context.Context) ([]byte, error) {
	doc, err := s.Export(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return data, nil
}
