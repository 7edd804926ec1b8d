// Package audit implements the append-only, hash-chained audit log (spec
// component C6). Every entry carries the chain head's hash as its
// prev_hash and its own hash = SHA-256(prev_hash || canonical_json(fields));
// the chain head advances atomically with each append so a crash cannot
// leave a fork.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amacisaac222/toolgate/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer is the single-writer-per-chain append path. HashSalt, when set,
// is mixed into args digests so audit records never reveal raw argument
// bytes (§4.3 redaction policy, kept from the teacher's salted-digest
// approach). Pool is used only by Export, which needs multi-row queries;
// Append/head only ever need Exec/QueryRow, so tests can fake auditDB
// directly without modeling the full row-iterator surface.
type Writer struct {
	DB       auditDB
	Pool     *pgxpool.Pool
	HashSalt []byte

	mu sync.Mutex
}

// genesisHash is the prev_hash of the first entry in a fresh chain.
const genesisHash = ""

// Append records one audit entry, computing its hash from the current
// chain head. The read-compute-persist-advance sequence is serialized by
// mu so concurrent appenders never fork the chain (§4.6, §9 "per-chain
// writer serialization").
func (w *Writer) Append(ctx context.Context, entry models.AuditEntry, argsDigestSource json.RawMessage) (models.AuditEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	head, err := w.head(ctx)
	if err != nil {
		return models.AuditEntry{}, err
	}

	entry.PrevHash = head
	if entry.Ts.IsZero() {
		entry.Ts = time.Now().UTC()
	}
	if len(argsDigestSource) > 0 {
		entry.ArgsDigest = w.digest(argsDigestSource)
	}

	canon, err := canonicalFields(entry)
	if err != nil {
		return models.AuditEntry{}, err
	}
	entry.Hash = chainHash(entry.PrevHash, canon)

	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_log
		(ts, tenant, subject, tool, event, decision, rule, args_digest, result_meta, approver, request_id, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, entry.Ts, entry.Tenant, entry.Subject, entry.Tool, entry.Event, entry.Decision, entry.Rule,
		entry.ArgsDigest, entry.ResultMeta, entry.Approver, entry.RequestID, entry.PrevHash, entry.Hash)
	if err != nil {
		return models.AuditEntry{}, err
	}

	if _, err := w.DB.Exec(ctx, `
		INSERT INTO audit_chain_head (id, head_hash) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET head_hash = EXCLUDED.head_hash
	`, entry.Hash); err != nil {
		return models.AuditEntry{}, err
	}

	return entry, nil
}

func (w *Writer) head(ctx context.Context) (string, error) {
	row := w.DB.QueryRow(ctx, `SELECT head_hash FROM audit_chain_head WHERE id = 1`)
	var head string
	if err := row.Scan(&head); err != nil {
		if err == pgx.ErrNoRows {
			return genesisHash, nil
		}
		return "", err
	}
	return head, nil
}

func (w *Writer) digest(raw json.RawMessage) string {
	canon, err := models.CanonicalizeJSONAllowFloat(raw)
	if err != nil {
		canon = raw
	}
	h := sha256.New()
	if len(w.HashSalt) > 0 {
		h.Write(w.HashSalt)
	}
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalFields produces the deterministic byte representation of an
// entry's content fields (everything except hash itself) that chainHash
// is computed over.
func canonicalFields(e models.AuditEntry) ([]byte, error) {
	fields := map[string]any{
		"ts":          e.Ts.UTC().Format(time.RFC3339Nano),
		"tenant":      e.Tenant,
		"subject":     e.Subject,
		"tool":        e.Tool,
		"event":       e.Event,
		"decision":    e.Decision,
		"rule":        e.Rule,
		"args_digest": e.ArgsDigest,
		"result_meta": e.ResultMeta,
		"approver":    e.Approver,
		"request_id":  e.RequestID,
		"prev_hash":   e.PrevHash,
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return models.CanonicalizeJSONAllowFloat(raw)
}

func chainHash(prevHash string, canonicalFields []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalFields)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes every entry's hash in order and confirms
// entry[i].prev_hash == entry[i-1].hash, per invariant 6.
func VerifyChain(entries []models.AuditEntry) error {
	prev := genesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return chainError(i, "prev_hash does not match preceding entry's hash")
		}
		canon, err := canonicalFields(e)
		if err != nil {
			return err
		}
		if chainHash(e.PrevHash, canon) != e.Hash {
			return chainError(i, "hash does not match recomputed value")
		}
		prev = e.Hash
	}
	return nil
}

type chainVerifyError struct {
	index int
	msg   string
}

func chainError(index int, msg string) error { return &chainVerifyError{index: index, msg: msg} }

func (e *chainVerifyError) Error() string {
	return "audit: chain verification failed at entry " + strconv.Itoa(e.index) + ": " + e.msg
}

// Export reads entries in chain order within [from, to] (inclusive,
// epoch seconds), for GET /v1/audit.
func (w *Writer) Export(ctx context.Context, from, to time.Time) ([]models.AuditEntry, error) {
	rows, err := w.Pool.Query(ctx, `
		SELECT id, ts, tenant, subject, tool, event, decision, rule, args_digest, result_meta, approver, request_id, prev_hash, hash
		FROM audit_log WHERE ts >= $1 AND ts <= $2 ORDER BY id ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Ts, &e.Tenant, &e.Subject, &e.Tool, &e.Event, &e.Decision, &e.Rule,
			&e.ArgsDigest, &e.ResultMeta, &e.Approver, &e.RequestID, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
