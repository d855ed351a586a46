// Package mutation defines the search index change carried in an outbox
// event payload and its wire encoding.
package mutation

import (
	"encoding/json"
	"fmt"

	"github.com/lllypuk/searchsync/internal/domain/errs"
)

// Op is the kind of index change.
type Op string

const (
	// OpUpsert writes the document under its id, replacing any previous one.
	OpUpsert Op = "upsert"
	// OpDelete removes the document; deleting a missing document succeeds.
	OpDelete Op = "delete"
)

// Mutation is an idempotent change of one search index document.
type Mutation struct {
	Op         Op              `json:"op"                 msgpack:"op"`
	Index      string          `json:"index"              msgpack:"index"`
	DocumentID string          `json:"document_id"        msgpack:"document_id"`
	Document   json.RawMessage `json:"document,omitempty" msgpack:"document,omitempty"`
}

// Upsert builds an upsert mutation, marshaling doc to JSON.
func Upsert(index, documentID string, doc any) (Mutation, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return Mutation{}, fmt.Errorf("marshal document: %w", err)
	}
	return Mutation{Op: OpUpsert, Index: index, DocumentID: documentID, Document: raw}, nil
}

// Delete builds a delete mutation.
func Delete(index, documentID string) Mutation {
	return Mutation{Op: OpDelete, Index: index, DocumentID: documentID}
}

// Validate checks the mutation is applicable.
func (m Mutation) Validate() error {
	switch {
	case m.Op != OpUpsert && m.Op != OpDelete:
		return fmt.Errorf("%w: unknown mutation op %q", errs.ErrInvalidInput, m.Op)
	case m.Index == "":
		return fmt.Errorf("%w: index is required", errs.ErrInvalidInput)
	case m.DocumentID == "":
		return fmt.Errorf("%w: document id is required", errs.ErrInvalidInput)
	case m.Op == OpUpsert && len(m.Document) == 0:
		return fmt.Errorf("%w: upsert requires a document", errs.ErrInvalidInput)
	}
	return nil
}
