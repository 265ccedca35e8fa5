package models

import (
	"fmt"
	"path"
	"strings"
)

// FSType is a filesystem type as written in the third mount table field.
type FSType string

const (
	FSTypeExt2  FSType = "ext2"
	FSTypeExt3  FSType = "ext3"
	FSTypeExt4  FSType = "ext4"
	FSTypeXFS   FSType = "xfs"
	FSTypeBtrfs FSType = "btrfs"
	FSTypeVFAT  FSType = "vfat"
	FSTypeExFAT FSType = "exfat"
	FSTypeNTFS  FSType = "ntfs"
	FSTypeNTFS3 FSType = "ntfs3"
	FSTypeSwap  FSType = "swap"
	FSTypeNFS   FSType = "nfs"
	FSTypeNFS4  FSType = "nfs4"
	FSTypeCIFS  FSType = "cifs"
	FSTypeSMB3  FSType = "smb3"
	FSTypeSSHFS FSType = "fuse.sshfs"
)

var supportedFSTypes = map[FSType]bool{
	FSTypeExt2: true, FSTypeExt3: true, FSTypeExt4: true, FSTypeXFS: true,
	FSTypeBtrfs: true, FSTypeVFAT: true, FSTypeExFAT: true, FSTypeNTFS: true,
	FSTypeNTFS3: true, FSTypeSwap: true, FSTypeNFS: true, FSTypeNFS4: true,
	FSTypeCIFS: true, FSTypeSMB3: true, FSTypeSSHFS: true,
}

// Supported reports whether the type is one mountrix knows how to manage.
func (t FSType) Supported() bool {
	return supportedFSTypes[t]
}

// IsNetwork reports whether the type mounts a remote share.
func (t FSType) IsNetwork() bool {
	switch t {
	case FSTypeNFS, FSTypeNFS4, FSTypeCIFS, FSTypeSMB3, FSTypeSSHFS:
		return true
	}
	return false
}

// IsNFS reports whether the type is an NFS variant.
func (t FSType) IsNFS() bool {
	return t == FSTypeNFS || t == FSTypeNFS4
}

// IsSMB reports whether the type is an SMB/CIFS variant.
func (t FSType) IsSMB() bool {
	return t == FSTypeCIFS || t == FSTypeSMB3
}

// DefaultPort returns the well-known service port for a network type, or 0.
func DefaultPort(t FSType) int {
	switch {
	case t.IsNFS():
		return 2049
	case t.IsSMB():
		return 445
	case t == FSTypeSSHFS:
		return 22
	}
	return 0
}

// SupportedFSTypes returns the supported filesystem types.
func SupportedFSTypes() []FSType {
	out := make([]FSType, 0, len(supportedFSTypes))
	for t := range supportedFSTypes {
		out = append(out, t)
	}
	return out
}

// Scope decides where a mountpoint lives by default.
type Scope string

const (
	// ScopePerUser mounts under /media/<user>.
	ScopePerUser Scope = "per_user"
	// ScopeSystemWide mounts under /mnt.
	ScopeSystemWide Scope = "system_wide"
)

// Valid reports whether the scope is known. The empty scope is treated as system wide.
func (s Scope) Valid() bool {
	return s == "" || s == ScopePerUser || s == ScopeSystemWide
}

// MountRoot returns the directory new mountpoints are created under.
func (s Scope) MountRoot(user string) string {
	if s == ScopePerUser && user != "" {
		return path.Join("/media", user)
	}
	return "/mnt"
}

// DefaultMountpoint builds a mountpoint for name under the scope root.
// Separators are flattened and parent references dropped.
func DefaultMountpoint(scope Scope, user, name string) string {
	var parts []string
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == ' ' }) {
		if seg == "." || seg == ".." {
			continue
		}
		parts = append(parts, seg)
	}
	clean := strings.Join(parts, "_")
	if clean == "" {
		clean = "share"
	}
	return path.Join(scope.MountRoot(user), strings.ToLower(clean))
}

// Entry is one mount definition.
type Entry struct {
	Source     string  `json:"source" yaml:"source" validate:"required"`
	Mountpoint string  `json:"mountpoint" yaml:"mountpoint" validate:"required"`
	FSType     FSType  `json:"fs_type" yaml:"fs_type" validate:"required"`
	Options    Options `json:"options" yaml:"options"`
	Dump       int     `json:"dump" yaml:"dump" validate:"min=0,max=2"`
	Pass       int     `json:"pass" yaml:"pass" validate:"min=0,max=2"`
	Scope      Scope   `json:"scope,omitempty" yaml:"scope,omitempty"`
	// Comment is written on its own line above a newly inserted entry.
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// IsNetwork reports whether the entry mounts a remote share.
func (e Entry) IsNetwork() bool {
	return e.FSType.IsNetwork()
}

// IsSwap reports whether the entry is a swap definition.
func (e Entry) IsSwap() bool {
	return e.FSType == FSTypeSwap
}

// NormalizedMountpoint returns the cleaned mountpoint used for comparisons.
func (e Entry) NormalizedMountpoint() string {
	return NormalizeMountpoint(e.Mountpoint)
}

// NormalizeMountpoint cleans p for comparison. Swap placeholders are returned as is.
func NormalizeMountpoint(p string) string {
	if p == "" || p == "none" || p == "swap" {
		return p
	}
	return path.Clean(p)
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	e.Options = e.Options.Clone()
	return e
}

// String renders the entry in mount table form without escaping.
func (e Entry) String() string {
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%d\t%d", e.Source, e.Mountpoint, e.FSType, e.Options, e.Dump, e.Pass)
}

// NetworkSource is the parsed form of a remote source.
type NetworkSource struct {
	User string `json:"user,omitempty"`
	Host string `json:"host"`
	Path string `json:"path"`
}

// ParseNetworkSource splits a network source into user, host and path.
//
//	nfs, nfs4:   host:/export or [v6addr]:/export
//	cifs, smb3:  //host/share[/sub]
//	fuse.sshfs:  [user@]host:[path]
func ParseNetworkSource(t FSType, source string) (NetworkSource, error) {
	switch {
	case t.IsNFS():
		host, rest, err := splitHostColon(source)
		if err != nil {
			return NetworkSource{}, err
		}
		if !strings.HasPrefix(rest, "/") {
			return NetworkSource{}, fmt.Errorf("nfs export %q must be an absolute path", rest)
		}
		return NetworkSource{Host: host, Path: rest}, nil

	case t.IsSMB():
		if !strings.HasPrefix(source, "//") {
			return NetworkSource{}, fmt.Errorf("smb source %q must look like //host/share", source)
		}
		host, share, ok := strings.Cut(source[2:], "/")
		if !ok || host == "" || strings.Trim(share, "/") == "" {
			return NetworkSource{}, fmt.Errorf("smb source %q must look like //host/share", source)
		}
		return NetworkSource{Host: host, Path: share}, nil

	case t == FSTypeSSHFS:
		var user string
		rest := source
		if u, r, ok := strings.Cut(source, "@"); ok {
			if u == "" {
				return NetworkSource{}, fmt.Errorf("sshfs source %q has an empty user", source)
			}
			user, rest = u, r
		}
		host, p, err := splitHostColon(rest)
		if err != nil {
			return NetworkSource{}, err
		}
		return NetworkSource{User: user, Host: host, Path: p}, nil
	}
	return NetworkSource{}, fmt.Errorf("%s is not a network filesystem", t)
}

func splitHostColon(s string) (string, string, error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 || len(s) <= end+1 || s[end+1] != ':' {
			return "", "", fmt.Errorf("source %q must look like [addr]:path", s)
		}
		host := s[1:end]
		if host == "" {
			return "", "", fmt.Errorf("source %q has an empty host", s)
		}
		return host, s[end+2:], nil
	}
	host, rest, ok := strings.Cut(s, ":")
	if !ok || host == "" {
		return "", "", fmt.Errorf("source %q must look like host:path", s)
	}
	return host, rest, nil
}
