package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPostJSONSendsBearerAndDecodes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/devices/token" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer jwt" {
			t.Errorf("missing bearer: %q", r.Header.Get("Authorization"))
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["endpoint"]})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithStaticBearer("jwt"), WithHTTPClient(srv.Client()))
	var out map[string]string
	if err := c.PostJSON(context.Background(), "/v1/devices/token", map[string]string{"endpoint": "tok"}, &out); err != nil {
		t.Fatalf("post: %v", err)
	}
	if out["echo"] != "tok" {
		t.Fatalf("unexpected response %v", out)
	}
}

func TestNon2xxIsStatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := New(srv.URL).GetJSON(context.Background(), "/v1/devices", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized || se.Body != "nope" {
		t.Fatalf("want StatusError 401, got %v", err)
	}
}
