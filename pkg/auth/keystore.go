package auth

import (
	"context"
	"fmt"
)

// KeyRecord holds agent public key metadata.
type KeyRecord struct {
	Kid       string
	Signer    string
	PublicKey []byte
	Status    string // active|revoked
}

type KeyStore interface {
	GetKey(ctx context.Context, kid string) (*KeyRecord, error)
}

// BundleKeyResolver adapts a KeyStore to policybundle.KeyResolver, so
// policy bundles can be verified against keys rotated through an external
// store (Vault Transit) instead of one pinned public key.
type BundleKeyResolver struct {
	Store KeyStore
}

func (r BundleKeyResolver) GetKey(ctx context.Context, kid string) ([]byte, error) {
	rec, err := r.Store.GetKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	if rec.Status != "active" {
		return nil, fmt.Errorf("key %q is not active (status=%s)", kid, rec.Status)
	}
	return rec.PublicKey, nil
}
