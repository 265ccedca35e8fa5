package templates

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MacJediWizard/mountrix/internal/credentials"
	"github.com/MacJediWizard/mountrix/internal/models"
)

func TestDefault_HasBuiltins(t *testing.T) {
	c := Default()
	for _, id := range []string{"fritznas", "synology", "qnap", "wd_mycloud", "ugreen", "generic_nfs", "generic_smb", "generic_sshfs"} {
		if _, err := c.Get(id); err != nil {
			t.Errorf("Get(%q) error = %v", id, err)
		}
	}
	if n := len(c.List()); n != 8 {
		t.Errorf("List() = %d profiles, want 8", n)
	}
	wd, _ := c.Get("wd_mycloud")
	if !wd.LegacySMB {
		t.Error("wd_mycloud should be marked legacy SMB")
	}
}

func TestInstantiate_FritzNAS(t *testing.T) {
	c := Default()
	e, err := c.Instantiate("fritznas", Inputs{
		Host:           "fritz.box",
		Share:          "FRITZ.NAS",
		CredentialsRef: "fritz",
		UID:            "1000",
		Scope:          models.ScopePerUser,
		User:           "alice",
	})
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}

	if e.Source != "//fritz.box/FRITZ.NAS" {
		t.Errorf("Source = %q", e.Source)
	}
	if e.FSType != models.FSTypeCIFS {
		t.Errorf("FSType = %q", e.FSType)
	}
	if e.Mountpoint != "/media/alice/fritz.nas" {
		t.Errorf("Mountpoint = %q", e.Mountpoint)
	}
	if v, _ := e.Options.Get("vers"); v != "3.0" {
		t.Errorf("vers = %q", v)
	}
	if v, _ := e.Options.Get("credentials"); v != "/etc/mountrix/credentials/fritz.cred" {
		t.Errorf("credentials = %q", v)
	}
	if v, _ := e.Options.Get(SecretOption); v != "fritz" {
		t.Errorf("secret ref = %q", v)
	}
	if !e.Options.Has("nofail") || !e.Options.Has("uid") {
		t.Errorf("options = %v", e.Options)
	}
	if !strings.Contains(e.Comment, "FRITZ") {
		t.Errorf("Comment = %q", e.Comment)
	}
	if res := models.ValidateEntry(e, nil); !res.Valid() {
		t.Errorf("instantiated entry invalid: %v", res)
	}
}

func TestInstantiate_MissingCredentials(t *testing.T) {
	_, err := Default().Instantiate("fritznas", Inputs{Host: "fritz.box", Share: "FRITZ.NAS"})

	var mf *MissingField
	if !errors.As(err, &mf) {
		t.Fatalf("Instantiate() error = %v, want MissingField", err)
	}
	if len(mf.Fields) != 1 || mf.Fields[0] != "credentials_ref" {
		t.Errorf("Fields = %v, want [credentials_ref]", mf.Fields)
	}
}

func TestInstantiate_MissingEverything(t *testing.T) {
	_, err := Default().Instantiate("generic_sshfs", Inputs{})
	var mf *MissingField
	if !errors.As(err, &mf) {
		t.Fatalf("error = %v", err)
	}
	want := []string{"host", "share", "key_file"}
	if strings.Join(mf.Fields, ",") != strings.Join(want, ",") {
		t.Errorf("Fields = %v, want %v", mf.Fields, want)
	}
}

func TestInstantiate_UnknownTemplate(t *testing.T) {
	_, err := Default().Instantiate("drobo", Inputs{Host: "x", Share: "y"})
	var ut *UnknownTemplate
	if !errors.As(err, &ut) || ut.ID != "drobo" {
		t.Errorf("error = %v, want UnknownTemplate", err)
	}
}

func TestInstantiate_UserOptionsWin(t *testing.T) {
	e, err := Default().Instantiate("synology", Inputs{
		Host:            "ds.lan",
		Share:           "photo",
		CredentialsFile: "/root/.smb",
		Options:         []string{"vers=2.1", "ro"},
		Mountpoint:      "/srv/photo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := e.Options.Get("vers"); v != "2.1" {
		t.Errorf("vers = %q, want user value 2.1", v)
	}
	if e.Options.Has(SecretOption) {
		t.Error("credentials file input should not add a secret reference")
	}
	if e.Mountpoint != "/srv/photo" || !e.Options.Has("ro") {
		t.Errorf("entry = %+v", e)
	}
}

func TestInstantiate_NFS(t *testing.T) {
	c := Default()
	e, err := c.Instantiate("synology", Inputs{Host: "ds.lan", Share: "/volume1/media", UseNFS: true})
	if err != nil {
		t.Fatalf("Instantiate(nfs) error = %v", err)
	}
	if e.FSType != models.FSTypeNFS || e.Source != "ds.lan:/volume1/media" {
		t.Errorf("entry = %s", e)
	}
	if !e.Options.Has("nfsvers") {
		t.Errorf("options = %v", e.Options)
	}
	if e.Mountpoint != "/mnt/volume1_media" {
		t.Errorf("Mountpoint = %q", e.Mountpoint)
	}

	_, err = c.Instantiate("fritznas", Inputs{Host: "fritz.box", Share: "x", UseNFS: true})
	if !errors.Is(err, ErrNFSUnsupported) {
		t.Errorf("fritznas nfs error = %v, want ErrNFSUnsupported", err)
	}
}

func TestInstantiate_SSHFS(t *testing.T) {
	e, err := Default().Instantiate("generic_sshfs", Inputs{
		Host: "backup.lan", Share: "/srv/backup", Username: "bob",
		KeyFile: "/home/bob/.ssh/id_ed25519", Scope: models.ScopeSystemWide,
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.Source != "bob@backup.lan:/srv/backup" {
		t.Errorf("Source = %q", e.Source)
	}
	if v, _ := e.Options.Get("IdentityFile"); v != "/home/bob/.ssh/id_ed25519" {
		t.Errorf("IdentityFile = %q", v)
	}
	if !e.Options.Has("allow_other") {
		t.Error("system wide sshfs needs allow_other")
	}
}

func TestInstantiate_NonStandardPort(t *testing.T) {
	c, err := Parse([]byte(`templates:
  - id: alt_smb
    name: Alt SMB
    protocol: cifs
    default_port: 1445
    default_options: [vers=3.0]
    auth_method: none
    description: SMB on a forwarded port
    help_url: https://example.invalid
    nfs_support: true
    nfs_options: [nfsvers=4.1]
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		name string
		in   Inputs
		want string
		set  bool
	}{
		{"profile port", Inputs{Host: "nas", Share: "data"}, "1445", true},
		{"user port wins", Inputs{Host: "nas", Share: "data", Options: []string{"port=4450"}}, "4450", true},
		{"nfs ignores smb port", Inputs{Host: "nas", Share: "data", UseNFS: true}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := c.Instantiate("alt_smb", tt.in)
			if err != nil {
				t.Fatalf("Instantiate() error = %v", err)
			}
			got, ok := e.Options.Get("port")
			if ok != tt.set || got != tt.want {
				t.Errorf("port = %q (set %v), want %q (set %v)", got, ok, tt.want, tt.set)
			}
		})
	}

	// standard ports are left implicit
	e, err := Default().Instantiate("generic_sshfs", Inputs{Host: "nas", Share: "/srv", KeyFile: "/root/.ssh/id_ed25519"})
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	if e.Options.Has("port") {
		t.Errorf("unexpected port option: %s", e.Options)
	}
}

func TestHelp(t *testing.T) {
	help, err := Default().Help("fritznas")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"AVM FRITZ!NAS", "Protocol: CIFS", "Default Port: 445", "Help: https://"} {
		if !strings.Contains(help, want) {
			t.Errorf("Help() missing %q:\n%s", want, help)
		}
	}
	if _, err := Default().Help("nope"); err == nil {
		t.Error("Help(unknown) expected error")
	}
}

func TestLoadFile_OverridesBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `templates:
  - id: fritznas
    name: FRITZ custom
    protocol: cifs
    default_port: 445
    default_options: [vers=2.0]
    auth_method: none
    description: patched
    help_url: https://example.invalid
  - id: truenas
    name: TrueNAS
    protocol: nfs
    default_port: 2049
    default_options: [nfsvers=4.2]
    auth_method: none
    description: TrueNAS export
    help_url: https://example.invalid
    nfs_support: true
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if p, _ := c.Get("fritznas"); p.Name != "FRITZ custom" {
		t.Errorf("fritznas not replaced: %+v", p)
	}
	if _, err := c.Get("truenas"); err != nil {
		t.Errorf("truenas missing: %v", err)
	}
	if _, err := c.Get("qnap"); err != nil {
		t.Errorf("builtins lost: %v", err)
	}
	// built-in catalog itself is untouched
	if p, _ := Default().Get("fritznas"); p.Name != "AVM FRITZ!NAS" {
		t.Errorf("Default() mutated: %q", p.Name)
	}
}

func TestParse_Rejects(t *testing.T) {
	bad := []string{
		"templates:\n  - id: x\n    name: X\n    protocol: ext4\n    auth_method: none\n",
		"templates:\n  - id: x\n    name: X\n    protocol: nfs\n    auth_method: kerberos\n",
		"templates:\n  - id: x\n    name: X\n    protocol: nfs\n    auth_method: none\n  - id: x\n    name: Y\n    protocol: nfs\n    auth_method: none\n",
		"templates: [",
	}
	for _, doc := range bad {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("Parse(%q) expected error", doc)
		}
	}
}

func TestInstantiate_RejectsUnsafeCredentialsRef(t *testing.T) {
	_, err := Default().Instantiate("generic_smb", Inputs{Host: "nas", Share: "x", CredentialsRef: "../../etc/passwd"})
	if !errors.Is(err, credentials.ErrInvalidServiceID) {
		t.Errorf("error = %v, want ErrInvalidServiceID", err)
	}
}
