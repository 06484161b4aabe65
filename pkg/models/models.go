// Package models holds the plain data-model types of the Confidential
// Storage Core (spec.md §3), following the teacher's pkg/models style of
// small structs with json tags and doc comments only where a field's
// meaning isn't obvious from its name.
package models

import "time"

// KeyType enumerates the wrapped-key-record types from spec.md §3/§6.
type KeyType string

const (
	KeyTypeDataEncryptionKey KeyType = "data_encryption_key"
	KeyTypeMasterKeyPin      KeyType = "master_key_pin"
	KeyTypeMasterKeyFido     KeyType = "master_key_fido"
	KeyTypeFido2Credential   KeyType = "fido2_credential"
	KeyTypeRecovery          KeyType = "recovery"
	// KeyTypeMasterKeyKMS marks an MK wrapped under an external/embedded
	// KMS bridge (pkg/cryptoprim.KMSBridge) instead of a PIN/WebAuthn KEK,
	// the operator-side unlock path for headless recovery or migration.
	KeyTypeMasterKeyKMS KeyType = "master_key_kms"
)

// WrappedKeyRecord is a row in the Key Store (spec.md §4.2/§6). Meta is
// kept as raw JSON so each KeyType's schema (§6 "Meta JSON schemas") can
// evolve independently of the store.
type WrappedKeyRecord struct {
	ID    string  `json:"id"`
	Type  KeyType `json:"type"`
	Blob  []byte  `json:"blob"`
	Nonce string  `json:"nonce"` // hex
	Meta  []byte  `json:"meta,omitempty"`
}

// PinMeta is the meta schema for KeyTypeMasterKeyPin.
type PinMeta struct {
	Salt string `json:"salt"` // hex16
}

// DEKMeta is the meta schema for KeyTypeDataEncryptionKey.
type DEKMeta struct {
	Version int `json:"version"`
}

// Fido2Meta is the meta schema for KeyTypeFido2Credential.
type Fido2Meta struct {
	CredentialID        string `json:"credentialID"`        // base64
	CredentialPublicKey string `json:"credentialPublicKey"` // base64
	Counter             uint32 `json:"counter"`
	Salt                string `json:"salt"` // hex16
}

// InteractionHeader is the immutable header row written at capture time
// (spec.md §3). ChunkCount must equal the number of CipherBlob rows with
// the same InteractionID; CipherKeyVersion must match the DEK version used.
type InteractionHeader struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	CreatedAt          time.Time `json:"created_at"`
	Model              string    `json:"model,omitempty"`
	Tokens             int64     `json:"tokens,omitempty"`
	CostUSD            float64   `json:"cost_usd,omitempty"`
	CipherKeyVersion   int       `json:"cipher_key_version"`
	RequestFingerprint string    `json:"request_fingerprint,omitempty"`
	ChunkCount         int       `json:"chunk_count"`
	ByteCount          int       `json:"byte_count"`
	Truncated          bool      `json:"truncated,omitempty"`
	// KeyNonce is the per-interaction HKDF salt used to derive IK from
	// DEK (spec.md §4.3); persisted so IK is reproducible on read.
	KeyNonce []byte `json:"key_nonce"`
	// ChunkSize records the plaintext chunk size used at capture time
	// (spec.md §9 open question: fixed at 64 KiB, recorded for forward
	// compatibility).
	ChunkSize int `json:"chunk_size"`
}

// CipherBlob is one sealed chunk of an interaction body (spec.md §3).
// The pair (InteractionID, ChunkIndex) is unique; Nonce is unique within
// an interaction.
type CipherBlob struct {
	ID            string `json:"id"`
	InteractionID string `json:"interaction_id"`
	ChunkIndex    int    `json:"chunk_index"`
	Nonce         string `json:"nonce"` // hex
	Ciphertext    []byte `json:"ciphertext"`
}

// PlaintextInteraction is the input contract the Interaction Encryptor
// accepts from the upstream capture layer (spec.md §4.6), an excluded
// collaborator whose plaintext records cross the core boundary here.
type PlaintextInteraction struct {
	UserID             string
	Model              string
	Tokens             int64
	CostUSD            float64
	PlaintextBytes     []byte
	RequestFingerprint string
	Truncated          bool
}
