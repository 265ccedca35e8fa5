package handlers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/MacJediWizard/mountrix/internal/models"
	"github.com/MacJediWizard/mountrix/internal/templates"
)

func TestTemplatesList(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, "GET", "/api/v1/templates", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	resp := decode[struct {
		Templates []templates.Profile `json:"templates"`
	}](t, w)
	if len(resp.Templates) != len(templates.Default().List()) {
		t.Errorf("expected %d templates, got %d", len(templates.Default().List()), len(resp.Templates))
	}
}

func TestTemplatesGet(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, "GET", "/api/v1/templates/synology", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	resp := decode[struct {
		Template templates.Profile `json:"template"`
		Help     string            `json:"help"`
	}](t, w)
	if resp.Template.ID != "synology" || !strings.Contains(resp.Help, "Synology DiskStation") {
		t.Errorf("unexpected response: %+v", resp)
	}

	w = env.do(t, "GET", "/api/v1/templates/unknown", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestTemplatesInstantiate(t *testing.T) {
	env := newTestEnv(t, true)

	tests := []struct {
		name       string
		id         string
		inputs     templates.Inputs
		wantStatus int
		wantCode   string
	}{
		{
			name:       "smb with secret reference",
			id:         "synology",
			inputs:     templates.Inputs{Host: "nas.lan", Share: "media", CredentialsRef: "nas-cred"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing fields",
			id:         "synology",
			inputs:     templates.Inputs{Host: "nas.lan"},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "missing_field",
		},
		{
			name:       "nfs not supported",
			id:         "fritznas",
			inputs:     templates.Inputs{Host: "fritz.box", Share: "FRITZ.NAS", UseNFS: true},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "nfs_unsupported",
		},
		{
			name:       "unknown template",
			id:         "unknown",
			inputs:     templates.Inputs{Host: "nas.lan", Share: "media"},
			wantStatus: http.StatusNotFound,
			wantCode:   "unknown_template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/templates/"+tt.id+"/instantiate", tt.inputs)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantCode != "" {
				if resp := decode[ErrorResponse](t, w); resp.Code != tt.wantCode {
					t.Errorf("expected code %q, got %q", tt.wantCode, resp.Code)
				}
				return
			}
			resp := decode[struct {
				Entry models.Entry `json:"entry"`
			}](t, w)
			if resp.Entry.Source != "//nas.lan/media" || resp.Entry.FSType != models.FSTypeCIFS {
				t.Errorf("unexpected entry: %+v", resp.Entry)
			}
			if !resp.Entry.Options.Has(templates.SecretOption) {
				t.Errorf("expected secret reference option, got %v", resp.Entry.Options)
			}
		})
	}
}
