package privileged

import (
	"context"
	"sort"
	"sync"

	"github.com/MacJediWizard/mountrix/internal/models"
)

// FakeExecutor is an in-memory Executor for tests. It keeps its own mount
// table and can list it like the live table.
type FakeExecutor struct {
	// MountFunc and UnmountFunc override the default behaviour when set.
	MountFunc   func(op Operation) Outcome
	UnmountFunc func(op Operation) Outcome
	WriteFunc   func(op Operation) Outcome

	mu      sync.Mutex
	ops     []Operation
	mounted map[string]Operation
	files   map[string][]byte
	dirs    map[string]bool
}

// NewFakeExecutor returns an empty FakeExecutor.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		mounted: make(map[string]Operation),
		files:   make(map[string][]byte),
		dirs:    make(map[string]bool),
	}
}

// Run implements Executor.
func (f *FakeExecutor) Run(ctx context.Context, op Operation) (Outcome, error) {
	if err := op.Validate(); err != nil {
		return Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return Outcome{Reason: ReasonTimeout, Output: err.Error()}, nil
	}

	f.mu.Lock()
	f.ops = append(f.ops, op)
	mountFn, unmountFn, writeFn := f.MountFunc, f.UnmountFunc, f.WriteFunc
	f.mu.Unlock()

	switch op.Kind {
	case OpMount:
		if mountFn != nil {
			out := mountFn(op)
			if out.Success {
				f.setMounted(op)
			}
			return out, nil
		}
		f.setMounted(op)
		return Outcome{Success: true}, nil

	case OpUnmount:
		if unmountFn != nil {
			out := unmountFn(op)
			if out.Success {
				f.clearMounted(op.Target)
			}
			return out, nil
		}
		if !f.clearMounted(op.Target) {
			return Outcome{Success: true, Reason: ReasonNotMounted, Output: op.Target + ": not mounted"}, nil
		}
		return Outcome{Success: true}, nil

	case OpWriteProtectedFile:
		if writeFn != nil {
			if out := writeFn(op); !out.Success {
				return out, nil
			}
		}
		f.mu.Lock()
		f.files[op.Path] = append([]byte(nil), op.Data...)
		f.mu.Unlock()
		return Outcome{Success: true}, nil

	case OpMakeDir:
		f.mu.Lock()
		f.dirs[op.Target] = true
		f.mu.Unlock()
		return Outcome{Success: true}, nil

	case OpRemoveDir:
		f.mu.Lock()
		delete(f.dirs, op.Target)
		f.mu.Unlock()
		return Outcome{Success: true}, nil
	}
	return Outcome{Reason: ReasonFailed}, nil
}

func (f *FakeExecutor) setMounted(op Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounted[op.Target] = op
}

func (f *FakeExecutor) clearMounted(target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mounted[target]; !ok {
		return false
	}
	delete(f.mounted, target)
	return true
}

// SetMounted marks target as mounted from source without recording an operation.
func (f *FakeExecutor) SetMounted(source, target, fsType string) {
	f.setMounted(Operation{Kind: OpMount, Source: source, Target: target, FSType: fsType})
}

// List returns the fake mount table, sorted by mountpoint.
func (f *FakeExecutor) List(ctx context.Context) ([]models.LiveMount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.LiveMount, 0, len(f.mounted))
	for target, op := range f.mounted {
		out = append(out, models.LiveMount{
			Source:     op.Source,
			Mountpoint: target,
			FSType:     op.FSType,
			Options:    append([]string(nil), op.Options...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mountpoint < out[j].Mountpoint })
	return out, nil
}

// Ops returns the recorded operations.
func (f *FakeExecutor) Ops() []Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Operation(nil), f.ops...)
}

// OpsOfKind returns the recorded operations of one kind.
func (f *FakeExecutor) OpsOfKind(kind OperationKind) []Operation {
	var out []Operation
	for _, op := range f.Ops() {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// File returns the data written to path.
func (f *FakeExecutor) File(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	return data, ok
}

// HasDir reports whether a directory made through the executor still exists.
func (f *FakeExecutor) HasDir(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[path]
}

// IsMounted reports whether target is in the fake mount table.
func (f *FakeExecutor) IsMounted(target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mounted[target]
	return ok
}
