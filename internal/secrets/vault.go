// Package secrets implements the secret vault: named values encrypted with
// AES-256-GCM and stored in sqlite. Text may reference secrets two ways:
// placeholders ({{secret:name}}) that tools resolve at execution time, and
// raw ciphertext tokens (vault:v1:...) pasted into chat. The orchestrator
// scans inbound text and refuses to run when a reference cannot resolve.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const tokenPrefix = "vault:v1:"

var (
	// ErrNoKey is returned when vault operations run without a configured key.
	ErrNoKey = errors.New("secret vault key not configured")

	// ErrNotFound is returned when a named secret does not exist.
	ErrNotFound = errors.New("secret not found")

	placeholderRe = regexp.MustCompile(`\{\{secret:([a-zA-Z0-9_.\-]+)\}\}`)
	tokenRe       = regexp.MustCompile(`vault:v1:[A-Za-z0-9+/=_\-]+`)
)

// DDL returns the schema for the secrets table.
func DDL() []string {
	return []string{`
		CREATE TABLE IF NOT EXISTS secrets (
			name       TEXT PRIMARY KEY,
			ciphertext TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
}

// Vault stores named secrets. All values are encrypted at rest; lookups by
// name decrypt on demand.
type Vault struct {
	db   *sql.DB
	aead cipher.AEAD
	now  func() time.Time
}

// New builds a vault over db. The key material is any non-empty string;
// the AES key is its SHA-256. With an empty key the vault constructs but
// every operation fails with ErrNoKey.
func New(db *sql.DB, key string) (*Vault, error) {
	v := &Vault{db: db, now: time.Now}
	if strings.TrimSpace(key) == "" {
		return v, nil
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("vault cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault gcm: %w", err)
	}
	v.aead = aead
	return v, nil
}

// Enabled reports whether a key is configured.
func (v *Vault) Enabled() bool { return v.aead != nil }

// Set stores (or replaces) a named secret.
func (v *Vault) Set(ctx context.Context, name, value string) error {
	token, err := v.Encrypt(value)
	if err != nil {
		return err
	}
	now := v.now().UnixMilli()
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO secrets (name, ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		strings.ToLower(name), token, now, now)
	if err != nil {
		return fmt.Errorf("store secret %s: %w", name, err)
	}
	return nil
}

// Ciphertext returns the stored token for a name without decrypting.
func (v *Vault) Ciphertext(ctx context.Context, name string) (string, error) {
	var token string
	err := v.db.QueryRowContext(ctx,
		`SELECT ciphertext FROM secrets WHERE name = ?`, strings.ToLower(name)).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load secret %s: %w", name, err)
	}
	return token, nil
}

// Reveal decrypts and returns the named secret's value.
func (v *Vault) Reveal(ctx context.Context, name string) (string, error) {
	token, err := v.Ciphertext(ctx, name)
	if err != nil {
		return "", err
	}
	return v.Decrypt(token)
}

// Remove deletes a named secret. Removing an absent name is not an error.
func (v *Vault) Remove(ctx context.Context, name string) error {
	_, err := v.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, strings.ToLower(name))
	if err != nil {
		return fmt.Errorf("remove secret %s: %w", name, err)
	}
	return nil
}

// List returns all secret names, sorted.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Encrypt seals a value into a vault:v1 token.
func (v *Vault) Encrypt(value string) (string, error) {
	if v.aead == nil {
		return "", ErrNoKey
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(value), nil)
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a vault:v1 token.
func (v *Vault) Decrypt(token string) (string, error) {
	if v.aead == nil {
		return "", ErrNoKey
	}
	raw, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return "", fmt.Errorf("not a vault token")
	}
	sealed, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode vault token: %w", err)
	}
	if len(sealed) < v.aead.NonceSize() {
		return "", fmt.Errorf("vault token too short")
	}
	nonce, ct := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("open vault token: %w", err)
	}
	return string(plain), nil
}

// ScanReport lists the references in a text that cannot resolve.
type ScanReport struct {
	MissingNames       []string
	InvalidCiphertexts []string
}

// Blocked reports whether execution must be refused for this text.
func (r *ScanReport) Blocked() bool {
	return len(r.MissingNames) > 0 || len(r.InvalidCiphertexts) > 0
}

// Notice renders the fixed user-facing refusal message.
func (r *ScanReport) Notice() string {
	var b strings.Builder
	b.WriteString("🔒 시크릿을 해석할 수 없어 요청을 중단했습니다.")
	if len(r.MissingNames) > 0 {
		b.WriteString("\n- 등록되지 않은 시크릿: " + strings.Join(r.MissingNames, ", "))
	}
	if len(r.InvalidCiphertexts) > 0 {
		b.WriteString(fmt.Sprintf("\n- 복호화할 수 없는 토큰 %d건", len(r.InvalidCiphertexts)))
	}
	return b.String()
}

// Scan inspects text for secret references and reports unresolvable ones.
// Placeholders naming unknown secrets and undecryptable ciphertext tokens
// both block execution upstream.
func (v *Vault) Scan(ctx context.Context, text string) (*ScanReport, error) {
	report := &ScanReport{}
	seen := map[string]bool{}

	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(m[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		_, err := v.Ciphertext(ctx, name)
		switch {
		case errors.Is(err, ErrNotFound):
			report.MissingNames = append(report.MissingNames, name)
		case err != nil:
			return nil, err
		}
	}

	for _, token := range tokenRe.FindAllString(text, -1) {
		if _, err := v.Decrypt(token); err != nil {
			report.InvalidCiphertexts = append(report.InvalidCiphertexts, token)
		}
	}
	return report, nil
}

// Resolve replaces placeholders and ciphertext tokens with their plaintext
// values. Unresolvable references are left untouched; callers that need a
// hard failure run Scan first.
func (v *Vault) Resolve(ctx context.Context, text string) string {
	out := placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		name := strings.ToLower(placeholderRe.FindStringSubmatch(m)[1])
		value, err := v.Reveal(ctx, name)
		if err != nil {
			return m
		}
		return value
	})
	return tokenRe.ReplaceAllStringFunc(out, func(token string) string {
		value, err := v.Decrypt(token)
		if err != nil {
			return token
		}
		return value
	})
}

// Redact strips ciphertext tokens from text bound for logs or history.
func Redact(text string) string {
	return tokenRe.ReplaceAllString(text, "[vault]")
}
