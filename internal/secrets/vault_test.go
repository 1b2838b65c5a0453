package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/marubot/maru/internal/storage"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	db, err := storage.OpenInMemory(DDL()...)
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	v, err := New(db, "test-key")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return v
}

func TestVaultSetReveal(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if err := v.Set(ctx, "API_Key", "sk-secret-value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Names are case-insensitive.
	got, err := v.Reveal(ctx, "api_key")
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if got != "sk-secret-value" {
		t.Errorf("Reveal() = %q, want %q", got, "sk-secret-value")
	}

	token, err := v.Ciphertext(ctx, "api_key")
	if err != nil {
		t.Fatalf("Ciphertext() error = %v", err)
	}
	if !strings.HasPrefix(token, "vault:v1:") {
		t.Errorf("Ciphertext() = %q, want vault:v1: prefix", token)
	}
	if strings.Contains(token, "sk-secret-value") {
		t.Error("ciphertext contains plaintext")
	}
}

func TestVaultEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	for _, plain := range []string{"", "short", "한국어 값", strings.Repeat("x", 4096)} {
		token, err := v.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plain, err)
		}
		got, err := v.Decrypt(token)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != plain {
			t.Errorf("Decrypt() = %q, want %q", got, plain)
		}
	}
}

func TestVaultRevealMissing(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Reveal(context.Background(), "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Reveal() error = %v, want ErrNotFound", err)
	}
}

func TestVaultRemoveAndList(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	for _, name := range []string{"beta", "alpha"} {
		if err := v.Set(ctx, name, "v"); err != nil {
			t.Fatalf("Set(%s) error = %v", name, err)
		}
	}
	if err := v.Remove(ctx, "beta"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := v.Remove(ctx, "beta"); err != nil {
		t.Fatalf("Remove() second call error = %v", err)
	}

	names, err := v.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(names) != 1 || names[0] != "alpha" {
		t.Errorf("List() = %v, want [alpha]", names)
	}
}

func TestVaultScan(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if err := v.Set(ctx, "known", "value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	goodToken, err := v.Encrypt("ok")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	text := "use {{secret:known}} and {{secret:ghost}} plus " + goodToken + " and vault:v1:bogus"
	report, err := v.Scan(ctx, text)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if !report.Blocked() {
		t.Fatal("Scan() Blocked() = false, want true")
	}
	if len(report.MissingNames) != 1 || report.MissingNames[0] != "ghost" {
		t.Errorf("MissingNames = %v, want [ghost]", report.MissingNames)
	}
	if len(report.InvalidCiphertexts) != 1 {
		t.Errorf("InvalidCiphertexts = %v, want one entry", report.InvalidCiphertexts)
	}
	if !strings.Contains(report.Notice(), "ghost") {
		t.Errorf("Notice() = %q, want to name the missing secret", report.Notice())
	}

	clean, err := v.Scan(ctx, "nothing secret here")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if clean.Blocked() {
		t.Error("Scan() on plain text Blocked() = true, want false")
	}
}

func TestVaultResolve(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if err := v.Set(ctx, "db_pass", "hunter2"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	token, err := v.Encrypt("inline-value")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	got := v.Resolve(ctx, "pass={{secret:db_pass}} inline="+token+" keep={{secret:nope}}")
	want := "pass=hunter2 inline=inline-value keep={{secret:nope}}"
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestVaultWithoutKey(t *testing.T) {
	db, err := storage.OpenInMemory(DDL()...)
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	defer db.Close()

	v, err := New(db, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if v.Enabled() {
		t.Error("Enabled() = true without key")
	}
	if err := v.Set(context.Background(), "n", "v"); !errors.Is(err, ErrNoKey) {
		t.Errorf("Set() error = %v, want ErrNoKey", err)
	}
}

func TestRedact(t *testing.T) {
	v := newTestVault(t)
	token, err := v.Encrypt("hide me")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	got := Redact("before " + token + " after")
	if got != "before [vault] after" {
		t.Errorf("Redact() = %q", got)
	}
}
