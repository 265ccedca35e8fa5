package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestRedactQueryString(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "empty", raw: "", want: ""},
		{name: "nothing sensitive", raw: "mountpoint=%2Fmnt%2Fnas&unmount=true", want: "mountpoint=%2Fmnt%2Fnas&unmount=true"},
		{name: "password", raw: "password=hunter2&mountpoint=x", want: "mountpoint=x&password=%5BREDACTED%5D"},
		{name: "case insensitive", raw: "Secret=abc", want: "Secret=%5BREDACTED%5D"},
		{name: "unparseable", raw: "a=%zz", want: "[UNPARSEABLE]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactQueryString(tt.raw); got != tt.want {
				t.Errorf("redactQueryString(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(&buf)))
	r.GET("/ok", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"request_id": RequestID(c)})
	})
	r.GET("/fail", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fail"})
	})

	t.Run("assigns request id", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/ok?password=hunter2", nil)
		r.ServeHTTP(w, req)

		id := w.Header().Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("expected a UUID request id, got %q", id)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if body["request_id"] != id {
			t.Errorf("handler saw request id %q, header %q", body["request_id"], id)
		}
		if strings.Contains(buf.String(), "hunter2") {
			t.Errorf("password leaked into log: %s", buf.String())
		}
	})

	t.Run("keeps client request id", func(t *testing.T) {
		id := uuid.NewString()
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/ok", nil)
		req.Header.Set(RequestIDHeader, id)
		r.ServeHTTP(w, req)

		if got := w.Header().Get(RequestIDHeader); got != id {
			t.Errorf("expected request id %q, got %q", id, got)
		}
	})

	t.Run("server error logged at error level", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/fail", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", w.Code)
		}
		if !strings.Contains(buf.String(), `"level":"error"`) {
			t.Errorf("expected error level entry, got %s", buf.String())
		}
	})
}
