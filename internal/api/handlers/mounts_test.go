package handlers

import (
	"net/http"
	"testing"

	"github.com/MacJediWizard/mountrix/internal/models"
	"github.com/MacJediWizard/mountrix/internal/mounter"
)

func TestMountsUnmountRemount(t *testing.T) {
	env := newTestEnv(t, true)
	entry := nfsEntry()
	if w := env.do(t, "POST", "/api/v1/entries", ApplyRequest{EntryRequest: EntryRequest{Entry: &entry}}); w.Code != http.StatusOK {
		t.Fatalf("apply failed: %d %s", w.Code, w.Body.String())
	}

	w := env.do(t, "POST", "/api/v1/mounts/unmount", MountRequest{Mountpoint: "/mnt/nas1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if rep := decode[mounter.Report](t, w); rep.State() != mounter.StateUnmounted {
		t.Errorf("expected state unmounted, got %v", rep.States)
	}
	if env.exec.IsMounted("/mnt/nas1") {
		t.Fatal("expected /mnt/nas1 to be unmounted")
	}

	w = env.do(t, "POST", "/api/v1/mounts/remount", MountRequest{Mountpoint: "/mnt/nas1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !env.exec.IsMounted("/mnt/nas1") {
		t.Error("expected /mnt/nas1 to be mounted again")
	}
}

func TestMountsErrors(t *testing.T) {
	env := newTestEnv(t, true)

	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "missing mountpoint", path: "/api/v1/mounts/unmount", body: map[string]any{}, wantStatus: http.StatusBadRequest, wantCode: "bad_request"},
		{name: "remount not in table", path: "/api/v1/mounts/remount", body: MountRequest{Mountpoint: "/mnt/none"}, wantStatus: http.StatusNotFound, wantCode: "not_in_table"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if resp := decode[ErrorResponse](t, w); resp.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestMountsStatus(t *testing.T) {
	env := newTestEnv(t, true)
	entry := nfsEntry()
	if w := env.do(t, "POST", "/api/v1/entries", ApplyRequest{EntryRequest: EntryRequest{Entry: &entry}, SkipMount: true}); w.Code != http.StatusOK {
		t.Fatalf("apply failed: %d %s", w.Code, w.Body.String())
	}

	w := env.do(t, "GET", "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[struct {
		Mounts []models.EntryStatus `json:"mounts"`
	}](t, w)

	found := false
	for _, st := range resp.Mounts {
		if st.Entry.Mountpoint == "/mnt/nas1" {
			found = true
			if st.Status != models.MountStatusDisconnected {
				t.Errorf("expected disconnected, got %s", st.Status)
			}
		}
	}
	if !found {
		t.Errorf("status missing /mnt/nas1: %+v", resp.Mounts)
	}
}
