package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/diagnostics"
	"github.com/MacJediWizard/mountrix/internal/fstab"
	"github.com/MacJediWizard/mountrix/internal/journal"
	"github.com/MacJediWizard/mountrix/internal/models"
	"github.com/MacJediWizard/mountrix/internal/mounter"
	"github.com/MacJediWizard/mountrix/internal/privileged"
	"github.com/MacJediWizard/mountrix/internal/templates"
)

const initialTable = "UUID=1111-2222\t/\text4\terrors=remount-ro\t0\t1\n"

type fixedDiagnoser struct {
	result diagnostics.Result
}

func (d fixedDiagnoser) Diagnose(ctx context.Context, entry models.Entry, opts diagnostics.DiagnoseOptions) *diagnostics.Result {
	r := d.result
	return &r
}

type testEnv struct {
	router  *gin.Engine
	exec    *privileged.FakeExecutor
	store   *fstab.Store
	journal *journal.MemoryJournal
	table   string
}

func newTestEnv(t *testing.T, reachable bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	table := filepath.Join(dir, "fstab")
	if err := os.WriteFile(table, []byte(initialTable), 0o644); err != nil {
		t.Fatalf("write table: %v", err)
	}

	exec := privileged.NewFakeExecutor()
	store := fstab.NewStore(table, filepath.Join(dir, "backups"), zerolog.Nop())
	j := journal.NewMemoryJournal()
	diag := fixedDiagnoser{result: diagnostics.Result{Host: "192.0.2.5", Reachable: reachable, PortOpen: reachable}}
	if !reachable {
		diag.result.Detail = "host 192.0.2.5 did not answer"
	}
	orch := mounter.New(store, exec, diag, exec, zerolog.Nop(),
		mounter.WithJournal(j),
		mounter.WithStat(func(string) (os.FileInfo, error) { return nil, fs.ErrNotExist }),
	)
	catalog := templates.Default()

	r := gin.New()
	NewHealthHandler(store, exec, "test", zerolog.Nop()).RegisterPublicRoutes(r)
	apiV1 := r.Group("/api/v1")
	NewEntriesHandler(orch, store, catalog, zerolog.Nop()).RegisterRoutes(apiV1)
	NewMountsHandler(orch, zerolog.Nop()).RegisterRoutes(apiV1)
	NewTemplatesHandler(catalog, zerolog.Nop()).RegisterRoutes(apiV1)
	NewBackupsHandler(orch, store, zerolog.Nop()).RegisterRoutes(apiV1)
	NewOperationsHandler(j, zerolog.Nop()).RegisterRoutes(apiV1)

	return &testEnv{router: r, exec: exec, store: store, journal: j, table: table}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) tableContent(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(e.table)
	if err != nil {
		t.Fatalf("read table: %v", err)
	}
	return string(data)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
	return v
}

func nfsEntry() models.Entry {
	return models.Entry{
		Source:     "192.0.2.5:/export",
		Mountpoint: "/mnt/nas1",
		FSType:     models.FSTypeNFS,
		Options:    models.NewOptions("defaults", "nofail"),
	}
}
