// Package audit records pipeline state transitions as durable event rows
// and chains them into a tamper-evident in-process log. Entries are
// canonicalized with RFC 8785 JCS before hashing so the chain is stable
// across encoders.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/chainpilot/chainpilot/pkg/contracts"
	"github.com/chainpilot/chainpilot/pkg/ledger"
)

// Recorder writes audit events. Safe for concurrent use.
type Recorder struct {
	store  *ledger.Store
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	headHash string
	length   uint64
}

// NewRecorder creates a recorder over the ledger store.
func NewRecorder(store *ledger.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		logger:   logger,
		clock:    time.Now,
		headHash: "genesis",
	}
}

// WithClock overrides the clock for testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Record persists one event row, chained to its predecessor.
func (r *Recorder) Record(ctx context.Context, txRef, eventType string, detail map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.length + 1
	hash, err := entryHash(seq, txRef, eventType, detail, r.headHash)
	if err != nil {
		return err
	}

	if detail == nil {
		detail = map[string]any{}
	}
	detail["chain_hash"] = hash
	detail["prev_hash"] = r.headHash

	ev := &contracts.Event{
		TxRef:  txRef,
		Type:   eventType,
		Detail: detail,
		At:     r.clock().UTC(),
	}
	if err := r.store.InsertEvent(ctx, ev); err != nil {
		return err
	}

	r.headHash = hash
	r.length = seq
	r.logger.Info("audit event",
		slog.String("tx_ref", txRef),
		slog.String("type", eventType),
		slog.String("chain_hash", hash))
	return nil
}

// Head returns the current chain head hash.
func (r *Recorder) Head() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headHash
}

// Length returns the number of chained entries this process has written.
func (r *Recorder) Length() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length
}

func entryHash(seq uint64, txRef, eventType string, detail map[string]any, prev string) (string, error) {
	raw, err := json.Marshal(struct {
		Seq    uint64         `json:"seq"`
		TxRef  string         `json:"tx_ref"`
		Type   string         `json:"type"`
		Detail map[string]any `json:"detail"`
		Prev   string         `json:"prev"`
	}{seq, txRef, eventType, detail, prev})
	if err != nil {
		return "", contracts.Errorf(contracts.ErrInvariant, "audit entry marshal: %v", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", contracts.Errorf(contracts.ErrInvariant, "audit entry canonicalize: %v", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// VerifyEvents recomputes the chain over the stored events of one
// transaction and reports the first break, if any.
func VerifyEvents(events []*contracts.Event) (bool, string) {
	prev := ""
	for i, ev := range events {
		chainHash, _ := ev.Detail["chain_hash"].(string)
		prevHash, _ := ev.Detail["prev_hash"].(string)
		if chainHash == "" {
			return false, "entry " + ev.Type + " missing chain hash"
		}
		if i > 0 && prevHash != prev {
			return false, "chain broken at entry " + ev.Type
		}
		prev = chainHash
	}
	return true, "chain verified"
}
