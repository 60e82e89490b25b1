package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
)

// MinMasterKeyLen is the minimum accepted master key length in bytes (§4.2).
const MinMasterKeyLen = 32

// LocalBackend is the always-available AES-256-GCM-encrypted backend. No
// example repository in the reference corpus wraps AES-GCM in a helper
// library — internal/shared/signing reaches directly into crypto/hmac and
// crypto/sha256 rather than a third-party crypto helper — so this backend
// does the same for AES-GCM: stdlib crypto/aes + crypto/cipher directly.
type LocalBackend struct {
	gcm cipher.AEAD
	db  *sql.DB
}

// NewLocalBackend derives an AES-256-GCM cipher from masterKey (hashed to
// 32 bytes with SHA-256 so operators can supply a passphrase of any length
// >= MinMasterKeyLen) and opens db for ciphertext persistence.
func NewLocalBackend(masterKey []byte, db *sql.DB) (*LocalBackend, error) {
	if len(masterKey) < MinMasterKeyLen {
		return nil, fmt.Errorf("local secrets backend: master key must be at least %d bytes", MinMasterKeyLen)
	}
	key := sha256.Sum256(masterKey)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("local secrets backend: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("local secrets backend: %w", err)
	}
	b := &LocalBackend{gcm: gcm, db: db}
	if err := b.ensureSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *LocalBackend) ensureSchema() error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.Exec(`CREATE TABLE IF NOT EXISTS secrets (
		org_id     TEXT NOT NULL,
		scope      TEXT NOT NULL,
		name       TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		value_hash TEXT NOT NULL,
		PRIMARY KEY (org_id, scope, name)
	)`)
	return err
}

// Name identifies this backend for fallback logging.
func (b *LocalBackend) Name() string { return "local" }

// Put encrypts and persists a secret value.
func (b *LocalBackend) Put(orgID string, scope Scope, name, plaintext string) error {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("local secrets backend: generate nonce: %w", err)
	}
	sealed := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	hash := sha256.Sum256([]byte(plaintext))

	if b.db == nil {
		return fmt.Errorf("local secrets backend: no datastore configured")
	}
	_, err := b.db.Exec(`INSERT INTO secrets (org_id, scope, name, ciphertext, value_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(org_id, scope, name) DO UPDATE SET
			ciphertext = excluded.ciphertext, value_hash = excluded.value_hash`,
		orgID, string(scope), name, hex.EncodeToString(sealed), hex.EncodeToString(hash[:]))
	return err
}

// Resolve decrypts every named secret in scope; if names is empty, all
// secrets in that org/scope are returned.
func (b *LocalBackend) Resolve(ctx context.Context, orgID string, scope Scope, names []string) (map[string]string, error) {
	if b.db == nil {
		return map[string]string{}, nil
	}

	var rows *sql.Rows
	var err error
	if len(names) == 0 {
		rows, err = b.db.QueryContext(ctx, `SELECT name, ciphertext FROM secrets WHERE org_id = ? AND scope = ?`, orgID, string(scope))
	} else {
		args := make([]any, 0, len(names)+2)
		args = append(args, orgID, string(scope))
		placeholders := ""
		for i, n := range names {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, n)
		}
		rows, err = b.db.QueryContext(ctx, `SELECT name, ciphertext FROM secrets WHERE org_id = ? AND scope = ? AND name IN (`+placeholders+`)`, args...)
	}
	if err != nil {
		return nil, &ErrBackendUnavailable{Backend: "local", Cause: err}
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, ctHex string
		if err := rows.Scan(&name, &ctHex); err != nil {
			return nil, fmt.Errorf("local secrets backend: scan: %w", err)
		}
		pt, err := b.decrypt(ctHex)
		if err != nil {
			return nil, fmt.Errorf("local secrets backend: decrypt %s: %w", name, err)
		}
		out[name] = pt
	}
	return out, rows.Err()
}

func (b *LocalBackend) decrypt(ctHex string) (string, error) {
	sealed, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", err
	}
	nonceSize := b.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, data := sealed[:nonceSize], sealed[nonceSize:]
	plain, err := b.gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
