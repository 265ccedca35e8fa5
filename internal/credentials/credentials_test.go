package credentials

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/MacJediWizard/mountrix/internal/crypto"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	key, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	km, err := crypto.NewKeyManager(key)
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "secrets.db"), km, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	if _, _, err := store.Get(ctx, "fritz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.Put(ctx, "fritz", `WORKGROUP\alice`, "hunter2"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, "synology", "bob", "s3cret"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	user, secret, err := store.Get(ctx, "fritz")
	if err != nil || user != `WORKGROUP\alice` || secret != "hunter2" {
		t.Errorf("Get() = %q, %q, %v", user, secret, err)
	}

	if err := store.Put(ctx, "fritz", "alice", "changed"); err != nil {
		t.Fatal(err)
	}
	if _, secret, _ := store.Get(ctx, "fritz"); secret != "changed" {
		t.Errorf("Put() did not replace secret, got %q", secret)
	}

	ids, err := store.List(ctx)
	if err != nil || strings.Join(ids, ",") != "fritz,synology" {
		t.Errorf("List() = %v, %v", ids, err)
	}

	if err := store.Delete(ctx, "fritz"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "fritz"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	if _, _, err := store.Get(ctx, "fritz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(deleted) error = %v", err)
	}

	if err := store.Put(ctx, "../etc/shadow", "x", "y"); !errors.Is(err, ErrInvalidServiceID) {
		t.Errorf("Put(traversal) error = %v, want ErrInvalidServiceID", err)
	}

	bad := []struct {
		name     string
		username string
		secret   string
	}{
		{"newline in username", "alice\npassword=x", "s3cret"},
		{"newline in secret", "alice", "s3cret\nusername=root"},
		{"carriage return", "alice", "s3cret\r"},
		{"comma in secret", "alice", "s3,cret"},
		{"comma in username", "alice,uid=0", "s3cret"},
	}
	for _, tt := range bad {
		if err := store.Put(ctx, "rejected", tt.username, tt.secret); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("Put(%s) error = %v, want ErrInvalidValue", tt.name, err)
		}
	}
	if _, _, err := store.Get(ctx, "rejected"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected secret was stored: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	testStoreContract(t, newSQLiteStore(t))
}

func TestSQLiteStore_SecretsSealedAtRest(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	if err := store.Put(ctx, "nas", "alice", "plaintext-password"); err != nil {
		t.Fatal(err)
	}

	var sealed []byte
	if err := store.db.QueryRow(`SELECT sealed FROM secrets WHERE service_id = 'nas'`).Scan(&sealed); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(sealed), "plaintext-password") {
		t.Error("secret stored in clear text")
	}

	// a row copied to another id must not open
	if _, err := store.db.Exec(`INSERT INTO secrets (service_id, username, sealed, updated_at) VALUES ('copy', 'alice', ?, '')`, sealed); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Get(ctx, "copy"); err == nil {
		t.Error("swapped row decrypted")
	}
}

func TestValidateServiceID(t *testing.T) {
	for _, id := range []string{"fritz", "nas-1", "ds_920.home"} {
		if err := ValidateServiceID(id); err != nil {
			t.Errorf("ValidateServiceID(%q) error = %v", id, err)
		}
	}
	for _, id := range []string{"", ".hidden", "a/b", "..", "with space"} {
		if err := ValidateServiceID(id); err == nil {
			t.Errorf("ValidateServiceID(%q) expected error", id)
		}
	}
}

func TestRenderCIFS(t *testing.T) {
	tests := []struct {
		username string
		want     string
	}{
		{"alice", "username=alice\npassword=pw\n"},
		{`CORP\alice`, "username=alice\npassword=pw\ndomain=CORP\n"},
		{"alice@corp.example", "username=alice\npassword=pw\ndomain=corp.example\n"},
	}
	for _, tt := range tests {
		if got := string(RenderCIFS(tt.username, "pw")); got != tt.want {
			t.Errorf("RenderCIFS(%q) = %q, want %q", tt.username, got, tt.want)
		}
	}
	opts := SensitiveOptions(`CORP\alice`, "pw")
	if strings.Join(opts, ",") != "username=alice,password=pw,domain=CORP" {
		t.Errorf("SensitiveOptions() = %v", opts)
	}
}

func writeKey(t *testing.T, mode os.FileMode, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateKeyFile(t *testing.T) {
	if err := ValidateKeyFile(writeKey(t, 0o600, "")); err != nil {
		t.Errorf("0600 key error = %v", err)
	}
	if err := ValidateKeyFile(writeKey(t, 0o400, "")); err != nil {
		t.Errorf("0400 key error = %v", err)
	}
	if err := ValidateKeyFile(writeKey(t, 0o600, "passphrase")); err != nil {
		t.Errorf("encrypted key error = %v", err)
	}

	var kfe *KeyFileError
	if err := ValidateKeyFile(writeKey(t, 0o644, "")); !errors.As(err, &kfe) || !strings.Contains(kfe.Reason, "insecure") {
		t.Errorf("0644 key error = %v", err)
	}
	if err := ValidateKeyFile(filepath.Join(t.TempDir(), "missing")); !errors.As(err, &kfe) {
		t.Errorf("missing key error = %v", err)
	}
	if err := ValidateKeyFile(t.TempDir()); err == nil {
		t.Error("directory accepted as key")
	}

	garbage := filepath.Join(t.TempDir(), "garbage")
	os.WriteFile(garbage, []byte("not a key"), 0o600)
	if err := ValidateKeyFile(garbage); err == nil {
		t.Error("garbage accepted as key")
	}
}
