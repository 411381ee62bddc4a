package models

import (
	"time"

	"github.com/google/uuid"

	id "carfengine/pkg/domain"
)

// EncryptedBlob is retained PII sealed under one vault key version.
// Ciphertext and Tag are the two halves of the AEAD output; the blob ID and
// key version are bound as associated data so a blob cannot be replayed under
// another identity. Once KeyVersion is erased the blob is permanently opaque.
type EncryptedBlob struct {
	ID         uuid.UUID     `json:"id"`
	KeyVersion id.KeyVersion `json:"key_version"`
	Nonce      []byte        `json:"nonce"`
	Ciphertext []byte        `json:"ciphertext"`
	Tag        []byte        `json:"tag"`
	CreatedAt  time.Time     `json:"created_at"`
}

// PseudonymRecord ties a token to the salt generation it was derived under.
// The raw address is never part of the record.
type PseudonymRecord struct {
	Token       id.Pseudonym
	SaltVersion id.SaltVersion
}

// KeyMaterial is one generation of symmetric key or salt bytes as persisted
// by a key store.
type KeyMaterial struct {
	Version   uint32
	Material  []byte
	CreatedAt time.Time
}

// Snapshot is everything a key store holds, loaded once when the vault opens.
type Snapshot struct {
	Keys   []KeyMaterial
	Salts  []KeyMaterial
	Erased []id.KeyVersion
}
