package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newAPIKeyRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, APIKey(c))
	})
	return r
}

func TestAPIKeyMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantKey    string
	}{
		{"valid bearer", "Bearer gwb_abc", http.StatusOK, "gwb_abc"},
		{"lowercase scheme", "bearer gwb_abc", http.StatusOK, "gwb_abc"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic Zm9vOmJhcg==", http.StatusUnauthorized, ""},
		{"empty token", "Bearer ", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newAPIKeyRouter(APIKeyMiddleware())
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if w.Body.String() != tt.wantKey {
					t.Errorf("api key in context = %q, want %q", w.Body.String(), tt.wantKey)
				}
				return
			}

			var body map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("response is not JSON: %v", err)
			}
			if body["ok"] != false {
				t.Errorf("ok = %v, want false", body["ok"])
			}
			if body["error"] != "Missing API key (Authorization: Bearer ...)" {
				t.Errorf("error = %v", body["error"])
			}
		})
	}
}
