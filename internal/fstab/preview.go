package fstab

import (
	"context"
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// Preview returns a unified diff between the live table and snap. An empty
// string means snap would not change the file.
func (s *Store) Preview(ctx context.Context, snap *Snapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	live, _, err := s.readLive()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", s.path, err)
	}
	return Diff(s.path, live, snap.Bytes())
}

// Diff renders a unified diff of two table contents with three lines of context.
func Diff(name string, before, after []byte) (string, error) {
	if string(before) == string(after) {
		return "", nil
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: name,
		ToFile:   name + " (proposed)",
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}
	return out, nil
}
