// Package vault is the identity vault: the only holder of pseudonymization
// salts and PII encryption keys, and the only place erasure takes effect.
//
// Derivation, encryption and decryption share a read lock and run
// concurrently. Rotation and erasure take the write lock, so no caller ever
// observes a half-rotated key set.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"carfengine/internal/platform/metrics"
	"carfengine/internal/vault/models"
	id "carfengine/pkg/domain"
	dErrors "carfengine/pkg/domain-errors"
	"carfengine/pkg/runcontext"
)

const (
	keySize  = chacha20poly1305.KeySize
	saltSize = 32
)

var errNotSerializable = errors.New("vault state must never be serialized")

// KeyStore persists key and salt material. It must live in a storage
// location distinct from transaction and aggregation data.
type KeyStore interface {
	Load(ctx context.Context) (*models.Snapshot, error)
	PutKey(ctx context.Context, material models.KeyMaterial) error
	PutSalt(ctx context.Context, material models.KeyMaterial) error
	// DestroyKey irreversibly removes key material and remembers the version
	// as erased.
	DestroyKey(ctx context.Context, version id.KeyVersion) error
}

// Vault owns key and salt material for the lifetime of the process. It is
// constructed once and injected into every dependent; there is no global
// instance.
type Vault struct {
	mu     sync.RWMutex
	store  KeyStore
	keys   map[id.KeyVersion][]byte
	salts  map[id.SaltVersion][]byte
	erased map[id.KeyVersion]struct{}

	currentKey  id.KeyVersion
	currentSalt id.SaltVersion
	lastKey     id.KeyVersion
	closed      bool

	random  io.Reader
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures the Vault.
type Option func(*Vault)

// WithLogger sets a logger for lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Vault) {
		v.metrics = m
	}
}

// WithRandom overrides the entropy source (tests only).
func WithRandom(r io.Reader) Option {
	return func(v *Vault) {
		v.random = r
	}
}

// Open loads material from store, generating a first key and salt when the
// store is empty.
func Open(ctx context.Context, store KeyStore, opts ...Option) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("key store is required")
	}
	v := &Vault{
		store:  store,
		keys:   make(map[id.KeyVersion][]byte),
		salts:  make(map[id.SaltVersion][]byte),
		erased: make(map[id.KeyVersion]struct{}),
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(v)
	}

	snap, err := store.Load(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeVaultUnavailable, "failed to load vault material")
	}
	for _, k := range snap.Keys {
		kv := id.KeyVersion(k.Version)
		v.keys[kv] = k.Material
		v.currentKey = max(v.currentKey, kv)
	}
	for _, s := range snap.Salts {
		sv := id.SaltVersion(s.Version)
		v.salts[sv] = s.Material
		v.currentSalt = max(v.currentSalt, sv)
	}
	v.lastKey = v.currentKey
	for _, kv := range snap.Erased {
		v.erased[kv] = struct{}{}
		v.lastKey = max(v.lastKey, kv)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.currentSalt.IsNil() {
		if _, err := v.rotateSaltLocked(ctx); err != nil {
			return nil, err
		}
	}
	if v.currentKey.IsNil() {
		if _, err := v.rotateKeyLocked(ctx); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// CurrentSaltVersion is the salt generation new transactions are pseudonymized under.
func (v *Vault) CurrentSaltVersion() id.SaltVersion {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.currentSalt
}

// CurrentKeyVersion is the key generation new blobs are sealed under.
func (v *Vault) CurrentKeyVersion() id.KeyVersion {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.currentKey
}

// DerivePseudonym computes a keyed BLAKE2b-256 digest of the canonical
// address, keyed by the salt of the given version. Identical inputs always
// yield the identical token.
func (v *Vault) DerivePseudonym(ctx context.Context, address string, version id.SaltVersion) (id.Pseudonym, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	canonical := CanonicalAddress(address)
	if canonical == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "address is required")
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return "", v.unavailable("derive")
	}
	salt, ok := v.salts[version]
	if !ok {
		v.metrics.IncVaultOp("derive", "unknown_version")
		return "", dErrors.Newf(dErrors.CodeKeyNotFound, "salt version %s not found", version)
	}
	h, err := blake2b.New256(salt)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to key pseudonym hash")
	}
	h.Write([]byte(canonical))
	v.metrics.IncVaultOp("derive", "ok")
	return id.NewPseudonym(version, h.Sum(nil)), nil
}

// Encrypt seals plaintext under the given key version with XChaCha20-Poly1305.
func (v *Vault) Encrypt(ctx context.Context, plaintext []byte, version id.KeyVersion) (*models.EncryptedBlob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.encryptLocked(ctx, plaintext, version)
}

// EncryptCurrent seals plaintext under whichever key version is current,
// resolving the version and sealing under the same read lock so a
// concurrent Erase cannot retire the key in between.
func (v *Vault) EncryptCurrent(ctx context.Context, plaintext []byte) (*models.EncryptedBlob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.encryptLocked(ctx, plaintext, v.currentKey)
}

func (v *Vault) encryptLocked(ctx context.Context, plaintext []byte, version id.KeyVersion) (*models.EncryptedBlob, error) {
	if v.closed {
		return nil, v.unavailable("encrypt")
	}
	key, ok := v.keys[version]
	if !ok {
		v.metrics.IncVaultOp("encrypt", "key_not_found")
		return nil, v.keyNotFound(version)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to init cipher")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(v.random, nonce); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeVaultUnavailable, "failed to read nonce")
	}

	blob := &models.EncryptedBlob{
		ID:         uuid.New(),
		KeyVersion: version,
		Nonce:      nonce,
		CreatedAt:  runcontext.Now(ctx).UTC(),
	}
	sealed := aead.Seal(nil, nonce, plaintext, associatedData(blob))
	split := len(sealed) - aead.Overhead()
	blob.Ciphertext = sealed[:split]
	blob.Tag = sealed[split:]
	v.metrics.IncVaultOp("encrypt", "ok")
	return blob, nil
}

// Decrypt opens a blob. Once the blob's key version has been erased this
// always fails with CodeKeyNotFound; it never returns stale plaintext.
func (v *Vault) Decrypt(ctx context.Context, blob *models.EncryptedBlob) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "blob is required")
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, v.unavailable("decrypt")
	}
	key, ok := v.keys[blob.KeyVersion]
	if !ok {
		v.metrics.IncVaultOp("decrypt", "key_not_found")
		return nil, v.keyNotFound(blob.KeyVersion)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to init cipher")
	}
	if len(blob.Nonce) != aead.NonceSize() || len(blob.Tag) != aead.Overhead() {
		v.metrics.IncVaultOp("decrypt", "integrity")
		return nil, dErrors.New(dErrors.CodeIntegrity, "blob is malformed")
	}
	sealed := make([]byte, 0, len(blob.Ciphertext)+len(blob.Tag))
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.Tag...)
	plaintext, err := aead.Open(nil, blob.Nonce, sealed, associatedData(blob))
	if err != nil {
		v.metrics.IncVaultOp("decrypt", "integrity")
		return nil, dErrors.Wrap(err, dErrors.CodeIntegrity, "blob failed authentication")
	}
	v.metrics.IncVaultOp("decrypt", "ok")
	return plaintext, nil
}

// Erase irreversibly destroys one key version. Blobs sealed under it become
// permanently undecryptable; blobs under other versions are unaffected.
// Erasing the current version rotates to a fresh key first. Erasing an
// already-erased version is a no-op.
func (v *Vault) Erase(ctx context.Context, version id.KeyVersion) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return v.unavailable("erase")
	}
	if _, done := v.erased[version]; done {
		return nil
	}
	key, ok := v.keys[version]
	if !ok {
		return v.keyNotFound(version)
	}

	if version == v.currentKey {
		if _, err := v.rotateKeyLocked(ctx); err != nil {
			return err
		}
	}
	if err := v.store.DestroyKey(ctx, version); err != nil {
		v.metrics.IncVaultOp("erase", "store_error")
		return dErrors.Wrap(err, dErrors.CodeVaultUnavailable, "failed to destroy key material")
	}
	clear(key)
	delete(v.keys, version)
	v.erased[version] = struct{}{}
	v.metrics.IncVaultOp("erase", "ok")
	if v.logger != nil {
		v.logger.WarnContext(ctx, "cryptographic erasure completed",
			"key_version", version.String(),
			"event", "key_erased",
			"log_type", "audit",
		)
	}
	return nil
}

// IsErased reports whether version has been destroyed.
func (v *Vault) IsErased(version id.KeyVersion) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.erased[version]
	return ok
}

// RotateKey introduces a new key version for future encryptions. Earlier
// versions stay decryptable until erased.
func (v *Vault) RotateKey(ctx context.Context) (id.KeyVersion, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, v.unavailable("rotate_key")
	}
	return v.rotateKeyLocked(ctx)
}

// RotateSalt starts a new pseudonym space. Tokens derived under earlier salt
// versions remain reproducible; new transactions are not linkable to them.
func (v *Vault) RotateSalt(ctx context.Context) (id.SaltVersion, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, v.unavailable("rotate_salt")
	}
	return v.rotateSaltLocked(ctx)
}

// SaltFingerprint returns the first 16 hex chars of SHA-256(salt), letting
// reviewers tell salt generations apart without learning the salt.
func (v *Vault) SaltFingerprint(version id.SaltVersion) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return "", v.unavailable("fingerprint")
	}
	salt, ok := v.salts[version]
	if !ok {
		return "", dErrors.Newf(dErrors.CodeKeyNotFound, "salt version %s not found", version)
	}
	sum := sha256.Sum256(salt)
	return hex.EncodeToString(sum[:])[:16], nil
}

// Health reports whether the vault can serve requests.
func (v *Vault) Health(_ context.Context) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return dErrors.New(dErrors.CodeVaultUnavailable, "vault is closed")
	}
	return nil
}

// Close zeroes all in-memory material. Every later call fails with
// CodeVaultUnavailable. The key store's lifecycle is managed by the caller.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for kv, key := range v.keys {
		clear(key)
		delete(v.keys, kv)
	}
	for sv, salt := range v.salts {
		clear(salt)
		delete(v.salts, sv)
	}
	v.closed = true
	return nil
}

// MarshalJSON refuses to serialize vault state.
func (v *Vault) MarshalJSON() ([]byte, error) {
	return nil, errNotSerializable
}

// MarshalText refuses to serialize vault state.
func (v *Vault) MarshalText() ([]byte, error) {
	return nil, errNotSerializable
}

func (v *Vault) String() string {
	return "vault(redacted)"
}

func (v *Vault) GoString() string {
	return v.String()
}

// Must be called while holding v.mu.
func (v *Vault) rotateKeyLocked(ctx context.Context) (id.KeyVersion, error) {
	material := make([]byte, keySize)
	if _, err := io.ReadFull(v.random, material); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeVaultUnavailable, "failed to generate key")
	}
	next := v.lastKey + 1
	err := v.store.PutKey(ctx, models.KeyMaterial{
		Version:   uint32(next),
		Material:  material,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		v.metrics.IncVaultOp("rotate_key", "store_error")
		return 0, dErrors.Wrap(err, dErrors.CodeVaultUnavailable, "failed to persist key")
	}
	v.keys[next] = material
	v.currentKey = next
	v.lastKey = next
	v.metrics.IncVaultOp("rotate_key", "ok")
	if v.logger != nil {
		v.logger.InfoContext(ctx, "vault key rotated", "key_version", next.String())
	}
	return next, nil
}

// Must be called while holding v.mu.
func (v *Vault) rotateSaltLocked(ctx context.Context) (id.SaltVersion, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(v.random, salt); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeVaultUnavailable, "failed to generate salt")
	}
	next := v.currentSalt + 1
	err := v.store.PutSalt(ctx, models.KeyMaterial{
		Version:   uint32(next),
		Material:  salt,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		v.metrics.IncVaultOp("rotate_salt", "store_error")
		return 0, dErrors.Wrap(err, dErrors.CodeVaultUnavailable, "failed to persist salt")
	}
	v.salts[next] = salt
	v.currentSalt = next
	v.metrics.IncVaultOp("rotate_salt", "ok")
	if v.logger != nil {
		v.logger.InfoContext(ctx, "vault salt rotated", "salt_version", next.String())
	}
	return next, nil
}

func (v *Vault) unavailable(op string) error {
	v.metrics.IncVaultOp(op, "unavailable")
	return dErrors.New(dErrors.CodeVaultUnavailable, "vault is closed")
}

func (v *Vault) keyNotFound(version id.KeyVersion) error {
	if _, ok := v.erased[version]; ok {
		return dErrors.Newf(dErrors.CodeKeyNotFound, "key version %s was erased", version)
	}
	return dErrors.Newf(dErrors.CodeKeyNotFound, "key version %s not found", version)
}

func associatedData(blob *models.EncryptedBlob) []byte {
	ad := make([]byte, 0, 16+4)
	ad = append(ad, blob.ID[:]...)
	return binary.BigEndian.AppendUint32(ad, uint32(blob.KeyVersion))
}
