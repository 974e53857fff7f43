// Package statestore persists engine documents across restarts: the current
// configuration, its rollback history, open positions and the order audit
// trail.
package statestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/riptide-engine/riptide/errs"
)

// Key names a persisted engine document.
type Key string

const (
	// KeyConfigCurrent holds the live configuration document.
	KeyConfigCurrent Key = "config_current"
	// KeyConfigHistory holds the configuration rollback stack.
	KeyConfigHistory Key = "config_history"
	// KeyPositionsOpen holds the open position set.
	KeyPositionsOpen Key = "positions_open"
	// KeyOrdersAudit holds the append-only order audit trail.
	KeyOrdersAudit Key = "orders_audit"
)

// Validate rejects empty or path-breaking keys.
func (k Key) Validate() error {
	token := strings.TrimSpace(string(k))
	if token == "" {
		return errs.New("statestore/key", errs.CodeInvalid, errs.WithMessage("key required"))
	}
	if strings.ContainsAny(token, "/\\.") {
		return errs.New("statestore/key", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("key %q must not contain path separators", token)))
	}
	return nil
}

// Record is one versioned document. Data is the raw JSON body; the store
// never interprets it.
type Record struct {
	Key       Key       `json:"key"`
	Version   uint64    `json:"version"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy whose Data the caller may retain.
func (r Record) Clone() Record {
	out := r
	out.Data = append([]byte(nil), r.Data...)
	return out
}

// Store is the persistence contract. Save replaces the document and bumps
// its version; Load of a missing key fails with CodeNotFound.
type Store interface {
	Load(ctx context.Context, key Key) (Record, error)
	Save(ctx context.Context, key Key, data []byte) (Record, error)
	Delete(ctx context.Context, key Key) error
}
