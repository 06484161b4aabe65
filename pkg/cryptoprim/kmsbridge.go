package cryptoprim

import (
	"context"
	"fmt"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"google.golang.org/protobuf/proto"
)

// KMSBridge wraps a hashicorp go-kms-wrapping aead.Wrapper so an external
// or embedded KMS can stand in for a raw KEK at the outermost layer of the
// hierarchy (wrapping MK itself), grounded on the teacher's
// kms/pkg/kms.Wrapper abstraction. This is an optional deployment mode: by
// default the hierarchy's PIN/WebAuthn KEKs need no external KMS at all,
// and most deployments never construct a KMSBridge.
type KMSBridge struct {
	wrapper *aead.Wrapper
	keyID   string
}

// NewKMSBridge builds a bridge around a root key supplied out of band
// (e.g. from an environment-provided hex key or a cloud KMS-wrapped seal).
// rootKey must be KeySize bytes.
func NewKMSBridge(ctx context.Context, keyID string, rootKey []byte) (*KMSBridge, error) {
	if len(rootKey) != KeySize {
		return nil, fmt.Errorf("cryptoprim: kms bridge root key must be %d bytes", KeySize)
	}
	w := aead.NewWrapper()
	_, err := w.SetConfig(ctx,
		wrapping.WithKeyId(keyID),
		aead.WithKey(rootKey),
	)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: kms bridge config: %w", err)
	}
	return &KMSBridge{wrapper: w, keyID: keyID}, nil
}

// Wrap seals plaintext (a KeySize key) under the bridge's root key.
func (b *KMSBridge) Wrap(ctx context.Context, plaintext []byte) (*wrapping.BlobInfo, error) {
	blob, err := b.wrapper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: kms bridge wrap: %w", err)
	}
	return blob, nil
}

// Unwrap recovers the plaintext key from a blob previously produced by Wrap.
func (b *KMSBridge) Unwrap(ctx context.Context, blob *wrapping.BlobInfo) ([]byte, error) {
	pt, err := b.wrapper.Decrypt(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: kms bridge unwrap: %w", err)
	}
	return pt, nil
}

// KeyID reports the bridge's configured key identifier, persisted alongside
// a wrapped-key record's meta so rotation can tell which root key sealed it.
func (b *KMSBridge) KeyID() string { return b.keyID }

// MarshalBlob serializes a wrapping.BlobInfo for storage in a key-store
// record's Blob column, which the rest of the hierarchy treats as an
// opaque byte string.
func MarshalBlob(blob *wrapping.BlobInfo) ([]byte, error) {
	b, err := proto.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: marshal blob: %w", err)
	}
	return b, nil
}

// UnmarshalBlob reverses MarshalBlob.
func UnmarshalBlob(data []byte) (*wrapping.BlobInfo, error) {
	var blob wrapping.BlobInfo
	if err := proto.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("cryptoprim: unmarshal blob: %w", err)
	}
	return &blob, nil
}
