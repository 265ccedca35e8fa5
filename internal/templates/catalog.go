// Package templates turns vendor NAS profiles into mount entries.
package templates

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MacJediWizard/mountrix/internal/credentials"
	"github.com/MacJediWizard/mountrix/internal/models"
)

//go:embed catalog.yaml
var builtinCatalog []byte

// AuthMethod is how a share authenticates its clients.
type AuthMethod string

const (
	AuthNone        AuthMethod = "none"
	AuthCredentials AuthMethod = "credentials"
	AuthKeyFile     AuthMethod = "key_file"
)

// SecretOption carries the secret store reference on a table entry. Options
// starting with "x-" are never passed to the mount helper.
const SecretOption = "x-mountrix.secret"

// DefaultCredentialsDir holds generated CIFS credentials files.
const DefaultCredentialsDir = "/etc/mountrix/credentials"

// ErrNFSUnsupported is returned when NFS is requested from a profile without it.
var ErrNFSUnsupported = errors.New("template does not support nfs")

// Profile is one vendor profile.
type Profile struct {
	ID             string        `yaml:"id" json:"id"`
	Name           string        `yaml:"name" json:"name"`
	Protocol       models.FSType `yaml:"protocol" json:"protocol"`
	DefaultPort    int           `yaml:"default_port" json:"default_port"`
	DefaultOptions []string      `yaml:"default_options" json:"default_options"`
	AuthMethod     AuthMethod    `yaml:"auth_method" json:"auth_method"`
	Description    string        `yaml:"description" json:"description"`
	HelpURL        string        `yaml:"help_url" json:"help_url"`
	Notes          string        `yaml:"notes,omitempty" json:"notes,omitempty"`
	NFSSupport     bool          `yaml:"nfs_support,omitempty" json:"nfs_support"`
	NFSOptions     []string      `yaml:"nfs_options,omitempty" json:"nfs_options,omitempty"`
	LegacySMB      bool          `yaml:"legacy_smb,omitempty" json:"legacy_smb"`
}

type catalogFile struct {
	Templates []Profile `yaml:"templates"`
}

// UnknownTemplate is returned for ids not in the catalog.
type UnknownTemplate struct {
	ID string
}

func (e *UnknownTemplate) Error() string {
	return fmt.Sprintf("unknown template %q", e.ID)
}

// Code returns the stable reason code.
func (e *UnknownTemplate) Code() string { return "unknown_template" }

// MissingField lists every required input that was not supplied.
type MissingField struct {
	Template string
	Fields   []string
}

func (e *MissingField) Error() string {
	return fmt.Sprintf("template %s: missing required input: %s", e.Template, strings.Join(e.Fields, ", "))
}

// Code returns the stable reason code.
func (e *MissingField) Code() string { return "missing_field" }

// Catalog is a read-only set of profiles.
type Catalog struct {
	profiles map[string]Profile
	credDir  string
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(builtinCatalog)
	if err != nil {
		panic(fmt.Sprintf("templates: built-in catalog is invalid: %v", err))
	}
	return c
}

// Parse reads a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{profiles: make(map[string]Profile, len(f.Templates)), credDir: DefaultCredentialsDir}
	for _, p := range f.Templates {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", p.ID)
		}
		c.profiles[p.ID] = p
	}
	return c, nil
}

// LoadFile returns the built-in catalog extended by the profiles in path.
// Profiles with an existing id replace the built-in one.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	extra, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c := Default()
	for id, p := range extra.profiles {
		c.profiles[id] = p
	}
	return c, nil
}

// WithCredentialsDir returns a copy that writes credentials references
// under dir.
func (c *Catalog) WithCredentialsDir(dir string) *Catalog {
	out := &Catalog{profiles: c.profiles, credDir: dir}
	return out
}

func (p Profile) validate() error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("template needs id and name")
	}
	if !p.Protocol.IsNetwork() {
		return fmt.Errorf("template %s: unsupported protocol %q", p.ID, p.Protocol)
	}
	switch p.AuthMethod {
	case AuthNone, AuthCredentials, AuthKeyFile:
	default:
		return fmt.Errorf("template %s: unknown auth method %q", p.ID, p.AuthMethod)
	}
	return nil
}

// List returns all profiles sorted by id.
func (c *Catalog) List() []Profile {
	out := make([]Profile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the profile with id.
func (c *Catalog) Get(id string) (Profile, error) {
	p, ok := c.profiles[id]
	if !ok {
		return Profile{}, &UnknownTemplate{ID: id}
	}
	return p, nil
}

// Help renders a human readable description of a profile.
func (c *Catalog) Help(id string) (string, error) {
	p, err := c.Get(id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n\n%s\n\n", p.Name, strings.Repeat("=", len(p.Name)), p.Description)
	if p.Notes != "" {
		fmt.Fprintf(&b, "Notes:\n%s\n\n", p.Notes)
	}
	fmt.Fprintf(&b, "Protocol: %s\n", strings.ToUpper(string(p.Protocol)))
	fmt.Fprintf(&b, "Default Port: %d\n", p.DefaultPort)
	if p.NFSSupport {
		b.WriteString("NFS Support: Yes\n")
	}
	if p.LegacySMB {
		b.WriteString("Legacy SMB: Yes\n")
	}
	fmt.Fprintf(&b, "\nHelp: %s\n", p.HelpURL)
	return b.String(), nil
}

// Inputs are the user supplied values for Instantiate.
type Inputs struct {
	Host       string       `json:"host" yaml:"host"`
	Share      string       `json:"share" yaml:"share"`
	Mountpoint string       `json:"mountpoint,omitempty" yaml:"mountpoint,omitempty"`
	Scope      models.Scope `json:"scope,omitempty" yaml:"scope,omitempty"`
	User       string       `json:"user,omitempty" yaml:"user,omitempty"`
	// CredentialsRef names a secret store entry. CredentialsFile points at an
	// existing credentials file instead.
	CredentialsRef  string   `json:"credentials_ref,omitempty" yaml:"credentials_ref,omitempty"`
	CredentialsFile string   `json:"credentials_file,omitempty" yaml:"credentials_file,omitempty"`
	KeyFile         string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	Username        string   `json:"username,omitempty" yaml:"username,omitempty"`
	UID             string   `json:"uid,omitempty" yaml:"uid,omitempty"`
	GID             string   `json:"gid,omitempty" yaml:"gid,omitempty"`
	Options         []string `json:"options,omitempty" yaml:"options,omitempty"`
	UseNFS          bool     `json:"use_nfs,omitempty" yaml:"use_nfs,omitempty"`
}

// CredentialsPath returns the credentials file used for a secret reference.
func (c *Catalog) CredentialsPath(ref string) string {
	return path.Join(c.credDir, ref+".cred")
}

// Instantiate builds an entry from the profile id and in. User options win
// over profile defaults. Secrets are never placed in options; only a
// reference to the secret store or a credentials file is.
func (c *Catalog) Instantiate(id string, in Inputs) (models.Entry, error) {
	p, err := c.Get(id)
	if err != nil {
		return models.Entry{}, err
	}
	if in.UseNFS && !p.NFSSupport {
		return models.Entry{}, fmt.Errorf("%s: %w", p.Name, ErrNFSUnsupported)
	}

	fsType := p.Protocol
	defaults := p.DefaultOptions
	if in.UseNFS {
		fsType = models.FSTypeNFS
		if len(p.NFSOptions) > 0 {
			defaults = p.NFSOptions
		}
	}

	var missing []string
	if strings.TrimSpace(in.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(in.Share) == "" {
		missing = append(missing, "share")
	}
	auth := p.AuthMethod
	if fsType.IsNFS() {
		auth = AuthNone
	}
	switch auth {
	case AuthCredentials:
		if in.CredentialsRef == "" && in.CredentialsFile == "" {
			missing = append(missing, "credentials_ref")
		}
	case AuthKeyFile:
		if in.KeyFile == "" {
			missing = append(missing, "key_file")
		}
	}
	if len(missing) > 0 {
		return models.Entry{}, &MissingField{Template: id, Fields: missing}
	}
	if auth == AuthCredentials && in.CredentialsFile == "" {
		if err := credentials.ValidateServiceID(in.CredentialsRef); err != nil {
			return models.Entry{}, err
		}
	}

	opts := models.NewOptions(defaults...)
	switch auth {
	case AuthCredentials:
		if in.CredentialsFile != "" {
			opts = opts.Set("credentials=" + in.CredentialsFile)
		} else {
			opts = opts.Set("credentials=" + c.CredentialsPath(in.CredentialsRef)).
				Set(SecretOption + "=" + in.CredentialsRef)
		}
	case AuthKeyFile:
		opts = opts.Set("IdentityFile=" + in.KeyFile)
	}
	if in.UID != "" {
		opts = opts.Set("uid=" + in.UID)
	}
	if in.GID != "" {
		opts = opts.Set("gid=" + in.GID)
	}
	if p.Protocol == models.FSTypeSSHFS && !opts.Has("allow_other") && in.Scope == models.ScopeSystemWide {
		opts = opts.Set("allow_other")
	}
	if fsType == p.Protocol && p.DefaultPort != 0 && p.DefaultPort != models.DefaultPort(fsType) && !opts.Has("port") {
		opts = opts.Set(fmt.Sprintf("port=%d", p.DefaultPort))
	}
	opts = opts.Merge(models.NewOptions(in.Options...))

	mountpoint := in.Mountpoint
	if mountpoint == "" {
		mountpoint = models.DefaultMountpoint(in.Scope, in.User, in.Share)
	}

	return models.Entry{
		Source:     buildSource(fsType, in),
		Mountpoint: mountpoint,
		FSType:     fsType,
		Options:    opts,
		Scope:      in.Scope,
		Comment:    fmt.Sprintf("%s - %s", p.Name, p.Description),
	}, nil
}

func buildSource(fsType models.FSType, in Inputs) string {
	host := strings.TrimSpace(in.Host)
	share := strings.TrimSpace(in.Share)
	switch {
	case fsType.IsNFS():
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			host = "[" + host + "]"
		}
		return host + ":/" + strings.TrimLeft(share, "/")
	case fsType == models.FSTypeSSHFS:
		src := host + ":" + share
		if in.Username != "" {
			src = in.Username + "@" + src
		}
		return src
	default:
		return "//" + host + "/" + strings.TrimLeft(share, "/")
	}
}
