package atstore

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atweave/pds/internal/signing"
)

// LoadOrCreateKeypair returns did's persisted P-256 keypair, generating
// and persisting a fresh one on first boot. This is the one place a new
// node's identity key comes from; every later boot reloads the same key.
func LoadOrCreateKeypair(ctx context.Context, db *sql.DB, did string) (*ecdsa.PrivateKey, error) {
	var pemBytes []byte
	err := db.QueryRowContext(ctx, `SELECT private_pem FROM keypair WHERE did = $1`, did).Scan(&pemBytes)
	if err == nil {
		priv, err := signing.DecodePrivatePEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("atstore: decode stored keypair: %w", err)
		}
		return priv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("atstore: load keypair: %w", err)
	}

	priv, err := signing.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("atstore: generate keypair: %w", err)
	}
	pemBytes, err = signing.EncodePrivatePEM(priv)
	if err != nil {
		return nil, fmt.Errorf("atstore: encode keypair: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO keypair(did, private_pem) VALUES ($1, $2)
		ON CONFLICT (did) DO NOTHING
	`, did, pemBytes)
	if err != nil {
		return nil, fmt.Errorf("atstore: persist keypair: %w", err)
	}
	return priv, nil
}
