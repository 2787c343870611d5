package action

import (
	"context"

	"risk-core/internal/venue/common"
	"risk-core/pkg/crypto"
)

// CredentialRecord is the opaque-handle shape UserDirectory resolves
// (spec §4.5 step 2): an encrypted API secret plus the plaintext API key,
// since only the secret is sensitive enough to warrant at-rest encryption.
type CredentialRecord struct {
	APIKey             string
	EncryptedAPISecret string
}

// UserDirectory resolves a client's stored credential handle. Grounded on
// gateway.Manager's credential-lookup step, narrowed to read-only lookup
// since registration/rotation is out of scope here.
type UserDirectory interface {
	Lookup(ctx context.Context, clientID string) (CredentialRecord, error)
}

// CredentialResolver decrypts a looked-up credential record into the
// common.Credentials shape venue adapters consume. Only the Decryptor half
// of pkg/crypto is exercised; key provisioning/rotation is unchanged from
// the teacher.
type CredentialResolver struct {
	directory UserDirectory
	keys      *crypto.KeyManager
}

// NewCredentialResolver builds a resolver over a directory and key manager.
func NewCredentialResolver(directory UserDirectory, keys *crypto.KeyManager) *CredentialResolver {
	return &CredentialResolver{directory: directory, keys: keys}
}

// Resolve fetches and decrypts the credentials for clientID.
func (r *CredentialResolver) Resolve(ctx context.Context, clientID string) (common.Credentials, error) {
	record, err := r.directory.Lookup(ctx, clientID)
	if err != nil {
		return common.Credentials{}, err
	}
	secret, err := r.keys.Decrypt(record.EncryptedAPISecret)
	if err != nil {
		return common.Credentials{}, err
	}
	return common.Credentials{APIKey: record.APIKey, APISecret: secret}, nil
}
