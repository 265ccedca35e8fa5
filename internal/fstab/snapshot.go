// Package fstab reads, edits and safely rewrites the system mount table.
//
// A Snapshot keeps every line of the file, including comments, blank lines and
// lines that could not be parsed, so that writing back an unmodified snapshot
// reproduces the original bytes exactly.
package fstab

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MacJediWizard/mountrix/internal/models"
)

// LineKind classifies a mount table line.
type LineKind int

const (
	LineEntry LineKind = iota
	LineComment
	LineBlank
	// LineUnknown is a line that looked like an entry but could not be parsed.
	// It is kept verbatim.
	LineUnknown
)

func (k LineKind) String() string {
	switch k {
	case LineEntry:
		return "entry"
	case LineComment:
		return "comment"
	case LineBlank:
		return "blank"
	case LineUnknown:
		return "unknown"
	}
	return "invalid"
}

// Line is one logical line of the table.
type Line struct {
	Kind  LineKind
	Raw   string
	Entry models.Entry
	// Dirty lines were created or replaced in this cycle and are rendered from
	// Entry instead of Raw.
	Dirty bool
	// Comment is rendered as a "# ..." line above a dirty entry.
	Comment string
}

func (l Line) render() string {
	if !l.Dirty || l.Kind != LineEntry {
		return l.Raw
	}
	if l.Comment != "" {
		return "# " + l.Comment + "\n" + FormatEntry(l.Entry)
	}
	return FormatEntry(l.Entry)
}

// ParseWarning describes a line that was kept as LineUnknown.
type ParseWarning struct {
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// Snapshot is the full ordered content of a mount table.
type Snapshot struct {
	Lines           []Line
	TrailingNewline bool
	Warnings        []ParseWarning
}

// Entries returns the parsed entries in file order.
func (s *Snapshot) Entries() []models.Entry {
	var out []models.Entry
	for _, l := range s.Lines {
		if l.Kind == LineEntry {
			out = append(out, l.Entry.Clone())
		}
	}
	return out
}

// Others returns the entries entry must not collide with: every entry
// except the first one in entry's slot, which AddOrReplace would replace.
func (s *Snapshot) Others(entry models.Entry) []models.Entry {
	var out []models.Entry
	replaced := false
	for _, l := range s.Lines {
		if l.Kind != LineEntry {
			continue
		}
		if !replaced && sameSlot(l.Entry, entry) {
			replaced = true
			continue
		}
		out = append(out, l.Entry.Clone())
	}
	return out
}

// Find returns the entry mounted at mountpoint.
func (s *Snapshot) Find(mountpoint string) (models.Entry, bool) {
	target := models.NormalizeMountpoint(mountpoint)
	for _, l := range s.Lines {
		if l.Kind == LineEntry && !isSwapSlot(l.Entry) && l.Entry.NormalizedMountpoint() == target {
			return l.Entry.Clone(), true
		}
	}
	return models.Entry{}, false
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{TrailingNewline: s.TrailingNewline}
	if s.Lines != nil {
		out.Lines = make([]Line, len(s.Lines))
		for i, l := range s.Lines {
			l.Entry = l.Entry.Clone()
			out.Lines[i] = l
		}
	}
	if s.Warnings != nil {
		out.Warnings = append([]ParseWarning(nil), s.Warnings...)
	}
	return out
}

func (s *Snapshot) dirty() bool {
	for _, l := range s.Lines {
		if l.Dirty {
			return true
		}
	}
	return false
}

// Bytes serializes the snapshot. Untouched lines are written verbatim.
func (s *Snapshot) Bytes() []byte {
	var b strings.Builder
	for i, l := range s.Lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.render())
	}
	if len(s.Lines) > 0 && (s.TrailingNewline || s.dirty()) {
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Parse classifies every line of data. Malformed entry lines become
// LineUnknown and are reported in Warnings.
func Parse(data []byte) *Snapshot {
	text := string(data)
	snap := &Snapshot{}
	if text == "" {
		return snap
	}

	rawLines := strings.Split(text, "\n")
	if strings.HasSuffix(text, "\n") {
		snap.TrailingNewline = true
		rawLines = rawLines[:len(rawLines)-1]
	}

	snap.Lines = make([]Line, 0, len(rawLines))
	for i, raw := range rawLines {
		trimmed := strings.TrimSpace(raw)
		switch {
		case trimmed == "":
			snap.Lines = append(snap.Lines, Line{Kind: LineBlank, Raw: raw})
		case strings.HasPrefix(trimmed, "#"):
			snap.Lines = append(snap.Lines, Line{Kind: LineComment, Raw: raw})
		default:
			entry, err := ParseEntryLine(trimmed)
			if err != nil {
				snap.Lines = append(snap.Lines, Line{Kind: LineUnknown, Raw: raw})
				snap.Warnings = append(snap.Warnings, ParseWarning{Line: i + 1, Text: raw, Reason: err.Error()})
				continue
			}
			snap.Lines = append(snap.Lines, Line{Kind: LineEntry, Raw: raw, Entry: entry})
		}
	}
	return snap
}

// ParseEntryLine parses one non-comment line into an entry.
func ParseEntryLine(line string) (models.Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || len(fields) > 6 {
		return models.Entry{}, fmt.Errorf("expected 3 to 6 fields, found %d", len(fields))
	}

	entry := models.Entry{
		Source:     unescapeField(fields[0]),
		Mountpoint: unescapeField(fields[1]),
		FSType:     models.FSType(fields[2]),
	}

	if len(fields) > 3 {
		tokens := strings.Split(fields[3], ",")
		for _, tok := range tokens {
			if tok == "" {
				return models.Entry{}, fmt.Errorf("empty option in %q", fields[3])
			}
		}
		entry.Options = models.NewOptions(tokens...)
	}
	if len(fields) > 4 {
		n, err := strconv.Atoi(fields[4])
		if err != nil {
			return models.Entry{}, fmt.Errorf("dump field %q is not a number", fields[4])
		}
		entry.Dump = n
	}
	if len(fields) > 5 {
		n, err := strconv.Atoi(fields[5])
		if err != nil {
			return models.Entry{}, fmt.Errorf("pass field %q is not a number", fields[5])
		}
		entry.Pass = n
	}
	return entry, nil
}

// FormatEntry renders an entry as a tab separated table line.
func FormatEntry(e models.Entry) string {
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%d\t%d",
		escapeField(e.Source), escapeField(e.Mountpoint), e.FSType, e.Options, e.Dump, e.Pass)
}

var fieldEscaper = strings.NewReplacer(`\`, `\134`, " ", `\040`, "\t", `\011`, "\n", `\012`)

func escapeField(s string) string {
	return fieldEscaper.Replace(s)
}

// unescapeField decodes the octal escapes used for whitespace in fields.
func unescapeField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			n, _ := strconv.ParseUint(s[i+1:i+4], 8, 8)
			b.WriteByte(byte(n))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}

func isSwapSlot(e models.Entry) bool {
	return e.IsSwap() && (e.Mountpoint == "none" || e.Mountpoint == "swap")
}

func sameSlot(a, b models.Entry) bool {
	if isSwapSlot(a) || isSwapSlot(b) {
		return isSwapSlot(a) && isSwapSlot(b) && a.Source == b.Source
	}
	return a.NormalizedMountpoint() == b.NormalizedMountpoint()
}

// AddOrReplace returns a new snapshot in which entry replaces the entry with
// the same mountpoint, keeping its position, or is appended when no such
// entry exists. The input snapshot is not modified.
func AddOrReplace(s *Snapshot, entry models.Entry) *Snapshot {
	out := s.Clone()
	out.Warnings = nil
	for i, l := range out.Lines {
		if l.Kind == LineEntry && sameSlot(l.Entry, entry) {
			out.Lines[i] = Line{Kind: LineEntry, Entry: entry.Clone(), Dirty: true, Comment: l.Comment}
			return out
		}
	}
	out.Lines = append(out.Lines, Line{Kind: LineEntry, Entry: entry.Clone(), Dirty: true, Comment: entry.Comment})
	return out
}

// Remove returns a new snapshot without the entries mounted at mountpoint.
// Removing an absent mountpoint is a no-op. Swap entries are never matched.
func Remove(s *Snapshot, mountpoint string) *Snapshot {
	out := s.Clone()
	out.Warnings = nil
	target := models.NormalizeMountpoint(mountpoint)
	kept := out.Lines[:0]
	for _, l := range out.Lines {
		if l.Kind == LineEntry && !isSwapSlot(l.Entry) && l.Entry.NormalizedMountpoint() == target {
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) == 0 {
		out.Lines = nil
	} else {
		out.Lines = kept
	}
	return out
}
