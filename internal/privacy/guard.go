// Package privacy is the boundary between raw addresses and the rest of the
// engine. Nothing downstream of Guard.Process ever sees a wallet address.
package privacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"carfengine/internal/audit"
	"carfengine/internal/ingest"
	vaultmodels "carfengine/internal/vault/models"
	id "carfengine/pkg/domain"
	dErrors "carfengine/pkg/domain-errors"
)

// Vault is the subset of the identity vault the guard depends on.
type Vault interface {
	CurrentSaltVersion() id.SaltVersion
	DerivePseudonym(ctx context.Context, address string, version id.SaltVersion) (id.Pseudonym, error)
	EncryptCurrent(ctx context.Context, plaintext []byte) (*vaultmodels.EncryptedBlob, error)
	Decrypt(ctx context.Context, blob *vaultmodels.EncryptedBlob) ([]byte, error)
	Erase(ctx context.Context, version id.KeyVersion) error
	RotateKey(ctx context.Context) (id.KeyVersion, error)
	RotateSalt(ctx context.Context) (id.SaltVersion, error)
	SaltFingerprint(version id.SaltVersion) (string, error)
}

// Auditor appends to the audit log.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// Guard pseudonymizes normalized transactions and mediates every other
// access to vault material.
type Guard struct {
	vault     Vault
	auditor   Auditor
	retainPII bool
	logger    *slog.Logger
}

type Option func(*Guard)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithPIIRetention seals the raw address pair into an EncryptedBlob on every
// processed transaction.
func WithPIIRetention(enabled bool) Option {
	return func(g *Guard) {
		g.retainPII = enabled
	}
}

// New constructs a Guard. Both collaborators are required.
func New(vault Vault, auditor Auditor, opts ...Option) (*Guard, error) {
	if vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	g := &Guard{vault: vault, auditor: auditor}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Process replaces both addresses with pseudonyms under the current salt
// version and, when retention is on, seals them under the current key
// version. It fails closed: a vault failure yields CodeVaultUnavailable (or
// CodeKeyNotFound for an unknown version) and no partial output. Audit entries are recorded only after the vault work
// has succeeded.
func (g *Guard) Process(ctx context.Context, tx ingest.NormalizedTransaction) (PseudonymizedTransaction, error) {
	saltVersion := g.vault.CurrentSaltVersion()
	sender, err := g.vault.DerivePseudonym(ctx, tx.Sender, saltVersion)
	if err != nil {
		return PseudonymizedTransaction{}, failClosed(err, "sender pseudonymization failed")
	}
	recipient, err := g.vault.DerivePseudonym(ctx, tx.Recipient, saltVersion)
	if err != nil {
		return PseudonymizedTransaction{}, failClosed(err, "recipient pseudonymization failed")
	}

	var blob *vaultmodels.EncryptedBlob
	if g.retainPII {
		plaintext, err := json.Marshal(AddressPair{Sender: tx.Sender, Recipient: tx.Recipient})
		if err != nil {
			return PseudonymizedTransaction{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode address pair")
		}
		blob, err = g.vault.EncryptCurrent(ctx, plaintext)
		clear(plaintext)
		if err != nil {
			return PseudonymizedTransaction{}, failClosed(err, "PII encryption failed")
		}
	}
	fingerprint, err := g.vault.SaltFingerprint(saltVersion)
	if err != nil {
		return PseudonymizedTransaction{}, failClosed(err, "salt fingerprint unavailable")
	}

	if _, err := g.auditor.Record(ctx, audit.Entry{
		Kind:            audit.KindPseudonymize,
		Subjects:        []string{sender.String(), recipient.String()},
		SaltVersion:     saltVersion,
		SaltFingerprint: fingerprint,
	}); err != nil {
		return PseudonymizedTransaction{}, err
	}
	if blob != nil {
		if _, err := g.auditor.Record(ctx, audit.Entry{
			Kind:       audit.KindEncrypt,
			Subjects:   []string{blob.ID.String()},
			KeyVersion: blob.KeyVersion,
		}); err != nil {
			return PseudonymizedTransaction{}, err
		}
	}

	return PseudonymizedTransaction{
		Hash:         tx.Hash,
		Chain:        tx.Chain,
		Asset:        tx.Asset,
		Sender:       sender,
		Recipient:    recipient,
		SaltVersion:  saltVersion,
		Amount:       tx.Amount,
		ValueGBP:     tx.ValueGBP,
		AssetClass:   tx.AssetClass,
		TaxYear:      tx.TaxYear,
		Timestamp:    tx.Timestamp,
		LocalTime:    tx.LocalTime,
		BlockHeight:  tx.BlockHeight,
		ContractCall: tx.ContractCall,
		PII:          blob,
	}, nil
}

// Reveal decrypts a sealed address pair for an authorized reviewer. Attempts
// against an erased key version are recorded as rejected and fail with
// CodeKeyNotFound.
func (g *Guard) Reveal(ctx context.Context, blob *vaultmodels.EncryptedBlob) (AddressPair, error) {
	if blob == nil {
		return AddressPair{}, dErrors.New(dErrors.CodeInvalidInput, "blob is required")
	}
	plaintext, err := g.vault.Decrypt(ctx, blob)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeKeyNotFound) {
			if _, auditErr := g.auditor.Record(ctx, audit.Entry{
				Kind:       audit.KindDecrypt,
				Subjects:   []string{blob.ID.String()},
				KeyVersion: blob.KeyVersion,
				Outcome:    audit.OutcomeRejected,
				Detail:     "key version unavailable",
			}); auditErr != nil {
				return AddressPair{}, auditErr
			}
		}
		return AddressPair{}, err
	}
	defer clear(plaintext)

	var pair AddressPair
	if err := json.Unmarshal(plaintext, &pair); err != nil {
		return AddressPair{}, dErrors.Wrap(err, dErrors.CodeIntegrity, "sealed payload is not an address pair")
	}
	if _, err := g.auditor.Record(ctx, audit.Entry{
		Kind:       audit.KindDecrypt,
		Subjects:   []string{blob.ID.String()},
		KeyVersion: blob.KeyVersion,
	}); err != nil {
		return AddressPair{}, err
	}
	g.logAudit(ctx, "pii_revealed", "blob_id", blob.ID.String(), "key_version", blob.KeyVersion.String())
	return pair, nil
}

// Erase destroys one key version. Every blob sealed under it becomes
// permanently undecryptable.
func (g *Guard) Erase(ctx context.Context, version id.KeyVersion) error {
	if version.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "key version is required")
	}
	if err := g.vault.Erase(ctx, version); err != nil {
		return failClosed(err, "erasure failed")
	}
	if _, err := g.auditor.Record(ctx, audit.Entry{
		Kind:       audit.KindErase,
		KeyVersion: version,
	}); err != nil {
		return err
	}
	g.logAudit(ctx, "pii_erased", "key_version", version.String())
	return nil
}

// RotateKey introduces a new key version. Salts are left alone so existing
// pseudonyms keep linking.
func (g *Guard) RotateKey(ctx context.Context) (id.KeyVersion, error) {
	kv, err := g.vault.RotateKey(ctx)
	if err != nil {
		return 0, failClosed(err, "key rotation failed")
	}
	if _, err := g.auditor.Record(ctx, audit.Entry{
		Kind:       audit.KindRotate,
		KeyVersion: kv,
	}); err != nil {
		return 0, err
	}
	g.logAudit(ctx, "key_rotated", "key_version", kv.String())
	return kv, nil
}

// Rotate introduces a new key version and a new salt version.
func (g *Guard) Rotate(ctx context.Context) (id.KeyVersion, id.SaltVersion, error) {
	kv, err := g.vault.RotateKey(ctx)
	if err != nil {
		return 0, 0, failClosed(err, "key rotation failed")
	}
	sv, err := g.vault.RotateSalt(ctx)
	if err != nil {
		return 0, 0, failClosed(err, "salt rotation failed")
	}
	fingerprint, err := g.vault.SaltFingerprint(sv)
	if err != nil {
		return 0, 0, failClosed(err, "salt fingerprint unavailable")
	}
	if _, err := g.auditor.Record(ctx, audit.Entry{
		Kind:            audit.KindRotate,
		KeyVersion:      kv,
		SaltVersion:     sv,
		SaltFingerprint: fingerprint,
	}); err != nil {
		return 0, 0, err
	}
	g.logAudit(ctx, "vault_rotated", "key_version", kv.String(), "salt_version", sv.String())
	return kv, sv, nil
}

func (g *Guard) logAudit(ctx context.Context, event string, attributes ...any) {
	if g.logger == nil {
		return
	}
	args := append(attributes, "event", event, "log_type", "audit")
	g.logger.InfoContext(ctx, event, args...)
}

// failClosed maps a vault error to CodeVaultUnavailable. Cancellation and
// CodeKeyNotFound are passed through: neither means the vault is down.
func failClosed(err error, msg string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if dErrors.HasCode(err, dErrors.CodeKeyNotFound) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeVaultUnavailable, msg)
}
