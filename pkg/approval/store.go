// Package approval implements the signed tool-approval protocol: envelope
// persistence and verification (SQLite) plus the Ed25519 key manager that
// signs and verifies decision sets.
package approval

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/autopoiesis-io/autopoiesis/pkg/canonjson"
	"github.com/autopoiesis-io/autopoiesis/pkg/config"
	"github.com/autopoiesis-io/autopoiesis/pkg/database"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrEnvelopeNotFound is returned by Get for an unknown nonce.
var ErrEnvelopeNotFound = errors.New("approval envelope not found")

// planPayload is the exact structure hashed into plan_hash. Field order is
// irrelevant; canonicalisation sorts keys.
type planPayload struct {
	Scope     models.Scope             `json:"scope"`
	ToolCalls []models.ToolCallRequest `json:"tool_calls"`
}

// PlanHash computes the SHA-256 hex digest of the canonicalised scope and
// ordered tool calls. Issue and verify sides must agree byte-for-byte.
func PlanHash(scope models.Scope, calls []models.ToolCallRequest) (string, error) {
	canon, err := canonjson.Marshal(planPayload{Scope: scope, ToolCalls: calls})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalise plan: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Store persists approval envelopes in the agent's approvals database.
type Store struct {
	db     *sql.DB
	ttl    time.Duration
	skew   time.Duration
	logger *slog.Logger
}

// NewStore opens the envelope store over db, applying pending migrations.
func NewStore(db *sql.DB, cfg *config.ApprovalConfig) (*Store, error) {
	if err := database.Migrate(db, migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to migrate approvals database: %w", err)
	}
	return &Store{
		db:     db,
		ttl:    cfg.TTL,
		skew:   cfg.ClockSkew,
		logger: slog.Default().With("component", "approval"),
	}, nil
}

// CreateEnvelope records a pending envelope for the given scope and ordered
// tool calls, keyed by the issuing signing key. The returned envelope carries
// the nonce the approver answers with and the plan hash they can display.
func (s *Store) CreateEnvelope(ctx context.Context, scope models.Scope, calls []models.ToolCallRequest, keyID string) (*models.Envelope, error) {
	if len(calls) == 0 {
		return nil, errors.New("envelope requires at least one tool call")
	}

	scopeJSON, err := canonjson.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalise scope: %w", err)
	}
	callsJSON, err := canonjson.Marshal(calls)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalise tool calls: %w", err)
	}
	planHash, err := PlanHash(scope, calls)
	if err != nil {
		return nil, err
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now().UTC()
	env := &models.Envelope{
		ID:            uuid.NewString(),
		Nonce:         hex.EncodeToString(nonceBytes),
		ScopeJSON:     string(scopeJSON),
		ToolCallsJSON: string(callsJSON),
		PlanHash:      planHash,
		KeyID:         keyID,
		State:         models.EnvelopePending,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.ttl),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_envelopes
			(id, nonce, scope_json, tool_calls_json, plan_hash, key_id, state, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.Nonce, env.ScopeJSON, env.ToolCallsJSON, env.PlanHash, env.KeyID,
		string(env.State), env.IssuedAt, env.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert envelope: %w", err)
	}

	s.logger.Info("Created approval envelope",
		"nonce", env.Nonce,
		"work_item_id", scope.WorkItemID,
		"tool_calls", len(calls),
		"expires_at", env.ExpiresAt)
	return env, nil
}

// Get returns the envelope for nonce, or ErrEnvelopeNotFound.
func (s *Store) Get(ctx context.Context, nonce string) (*models.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, nonce, scope_json, tool_calls_json, plan_hash, key_id,
		       signed_object_json, signature_hex, state, issued_at, expires_at, consumed_at
		FROM approval_envelopes WHERE nonce = ?`, nonce)
	return scanEnvelope(row)
}

// ListPending returns pending envelopes in issue order, for the approvals
// API and the batch submitter.
func (s *Store) ListPending(ctx context.Context) ([]*models.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nonce, scope_json, tool_calls_json, plan_hash, key_id,
		       signed_object_json, signature_hex, state, issued_at, expires_at, consumed_at
		FROM approval_envelopes WHERE state = 'pending' ORDER BY issued_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending envelopes: %w", err)
	}
	defer rows.Close()

	var envs []*models.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*models.Envelope, error) {
	var env models.Envelope
	var state string
	var consumedAt sql.NullTime
	err := row.Scan(
		&env.ID, &env.Nonce, &env.ScopeJSON, &env.ToolCallsJSON, &env.PlanHash, &env.KeyID,
		&env.SignedObjectJSON, &env.SignatureHex, &state, &env.IssuedAt, &env.ExpiresAt, &consumedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEnvelopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan envelope: %w", err)
	}
	env.State = models.EnvelopeState(state)
	if consumedAt.Valid {
		t := consumedAt.Time
		env.ConsumedAt = &t
	}
	return &env, nil
}

// DeferredRequestsPayload builds the approver-facing payload for a pending
// envelope: nonce, 8-hex plan hash prefix, and the ordered requests.
func DeferredRequestsPayload(env *models.Envelope) (*models.DeferredToolRequests, error) {
	calls, err := env.ToolCalls()
	if err != nil {
		return nil, err
	}
	prefix := env.PlanHash
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return &models.DeferredToolRequests{
		Nonce:          env.Nonce,
		PlanHashPrefix: prefix,
		Requests:       calls,
	}, nil
}

// StoreSignedApproval signs the decision set with the key manager's current
// key and persists the signed object on the pending envelope. The envelope
// must have been issued under the same key; after a rotation, pending
// envelopes need a fresh approval round.
func (s *Store) StoreSignedApproval(ctx context.Context, nonce string, decisions []models.Decision, km *KeyManager) error {
	if len(decisions) == 0 {
		return errors.New("decision set is empty")
	}
	env, err := s.Get(ctx, nonce)
	if err != nil {
		return err
	}
	if env.State != models.EnvelopePending {
		return fmt.Errorf("envelope %s is %s, not pending", nonce, env.State)
	}

	obj := models.SignedObject{
		Ctx:       models.SignedObjectContext,
		Nonce:     env.Nonce,
		PlanHash:  env.PlanHash,
		KeyID:     env.KeyID,
		Decisions: decisions,
	}
	payload, err := canonjson.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to canonicalise signed object: %w", err)
	}
	keyID, sigHex, err := km.Sign(payload)
	if err != nil {
		return err
	}
	if keyID != env.KeyID {
		return fmt.Errorf("envelope %s was issued under key %s but the current signing key is %s; request a fresh approval", nonce, env.KeyID, keyID)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_envelopes SET signed_object_json = ?, signature_hex = ?
		WHERE nonce = ? AND state = 'pending'`,
		string(payload), sigHex, nonce,
	)
	if err != nil {
		return fmt.Errorf("failed to store signed approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("envelope %s is no longer pending", nonce)
	}

	s.logger.Info("Stored signed approval", "nonce", nonce, "key_id", keyID, "decisions", len(decisions))
	return nil
}

// VerifyAndConsume validates a decisions submission against its envelope and
// atomically consumes the nonce. Every failure carries one of the stable
// verification codes; the protocol is fail-closed, so a failure means the
// pending calls never execute.
func (s *Store) VerifyAndConsume(ctx context.Context, submissionJSON []byte, liveScope models.Scope, km *KeyManager) (*models.DeferredToolResults, error) {
	// Stage 1: parse.
	var sub models.DecisionsSubmission
	if err := json.Unmarshal(submissionJSON, &sub); err != nil {
		return nil, verificationErrorf(CodeInvalidSubmission, "submission is not valid JSON: %v", err)
	}
	if sub.Nonce == "" {
		return nil, verificationErrorf(CodeInvalidSubmission, "submission nonce is empty")
	}
	if len(sub.Decisions) == 0 {
		return nil, verificationErrorf(CodeInvalidSubmission, "submission carries no decisions")
	}
	for i, d := range sub.Decisions {
		if d.ToolCallID == "" {
			return nil, verificationErrorf(CodeInvalidSubmission, "decision %d has an empty tool_call_id", i)
		}
	}

	// Stage 2: lookup within the validity window.
	env, err := s.Get(ctx, sub.Nonce)
	if errors.Is(err, ErrEnvelopeNotFound) {
		return nil, verificationErrorf(CodeExpiredOrUnknown, "no envelope for nonce %s", sub.Nonce)
	}
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if env.State != models.EnvelopePending {
		return nil, verificationErrorf(CodeExpiredOrUnknown, "envelope is %s", env.State)
	}
	if now.After(env.ExpiresAt.Add(s.skew)) || now.Before(env.IssuedAt.Add(-s.skew)) {
		return nil, verificationErrorf(CodeExpiredOrUnknown, "envelope expired at %s", env.ExpiresAt.Format(time.RFC3339))
	}

	// Stage 3: scope binding.
	liveScopeJSON, err := canonjson.Marshal(liveScope)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalise live scope: %w", err)
	}
	if string(liveScopeJSON) != env.ScopeJSON {
		return nil, verificationErrorf(CodeScopeMismatch, "envelope scope does not match the executing context")
	}

	// Stage 4: signature.
	if env.KeyID == "" || env.SignedObjectJSON == "" || env.SignatureHex == "" {
		return nil, verificationErrorf(CodeInvalidSignature, "envelope has not been signed")
	}
	pub, err := km.ResolvePublicKey(env.KeyID)
	if err != nil {
		return nil, verificationErrorf(CodeUnknownKeyID, "key %s is not in the keyring", env.KeyID)
	}
	sig, err := hex.DecodeString(env.SignatureHex)
	if err != nil {
		return nil, verificationErrorf(CodeInvalidSignature, "signature is not valid hex")
	}
	if !ed25519.Verify(pub, []byte(env.SignedObjectJSON), sig) {
		return nil, verificationErrorf(CodeInvalidSignature, "signature does not verify")
	}

	// Stage 5: signed-object binding.
	var obj models.SignedObject
	if err := json.Unmarshal([]byte(env.SignedObjectJSON), &obj); err != nil {
		return nil, verificationErrorf(CodeInvalidSignature, "signed object is not valid JSON")
	}
	if obj.Ctx != models.SignedObjectContext || obj.Nonce != env.Nonce ||
		obj.PlanHash != env.PlanHash || obj.KeyID != env.KeyID {
		return nil, verificationErrorf(CodeInvalidSignature, "signed object does not bind to this envelope")
	}

	// Stage 6: bijection between submitted decisions and envelope calls.
	calls, err := env.ToolCalls()
	if err != nil {
		return nil, err
	}
	if len(sub.Decisions) != len(calls) {
		return nil, verificationErrorf(CodeBijectionMismatch,
			"submission has %d decisions for %d pending calls", len(sub.Decisions), len(calls))
	}
	for i := range calls {
		if sub.Decisions[i].ToolCallID != calls[i].ToolCallID {
			return nil, verificationErrorf(CodeBijectionMismatch,
				"decision %d answers %s, expected %s", i, sub.Decisions[i].ToolCallID, calls[i].ToolCallID)
		}
	}

	// Stage 7: the signed decisions must be byte-identical to the submitted
	// ones once canonicalised.
	signedDecisions, err := canonjson.Marshal(obj.Decisions)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalise signed decisions: %w", err)
	}
	submittedDecisions, err := canonjson.Marshal(sub.Decisions)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalise submitted decisions: %w", err)
	}
	if string(signedDecisions) != string(submittedDecisions) {
		return nil, verificationErrorf(CodeBijectionMismatch, "submitted decisions diverge from the signed decisions")
	}

	// Atomic consume. The state guard rejects a raced double-consume.
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_envelopes SET state = 'consumed', consumed_at = ?
		WHERE nonce = ? AND state = 'pending'`,
		now, sub.Nonce,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume envelope: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, verificationErrorf(CodeExpiredOrUnknown, "envelope was consumed concurrently")
	}

	s.logger.Info("Consumed approval envelope", "nonce", sub.Nonce, "decisions", len(sub.Decisions))
	return models.NewDeferredToolResults(sub.Decisions), nil
}

// SweepExpired marks pending envelopes past their validity window (including
// skew) as expired. Returns the number of rows transitioned.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.skew)
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_envelopes SET state = 'expired'
		WHERE state = 'pending' AND expires_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired envelopes: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Expired approval envelopes", "count", n)
	}
	return n, nil
}

// PurgeOld deletes consumed and expired envelopes older than the retention
// window. Nonces stay on disk until then so replays keep failing with
// expired_or_unknown rather than vanishing silently.
func (s *Store) PurgeOld(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM approval_envelopes
		WHERE state IN ('consumed', 'expired')
		  AND COALESCE(consumed_at, expires_at) < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old envelopes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
