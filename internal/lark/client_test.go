package lark

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// testServer fakes the token endpoint plus whatever extra routes a test
// registers.
func testServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()
	var tokenCalls atomic.Int64
	mux.HandleFunc("/open-apis/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":                0,
			"msg":                 "ok",
			"tenant_access_token": "t-abc",
			"expire":              7200,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestReplyMessageReturnsCreatedID(t *testing.T) {
	mux := http.NewServeMux()
	var gotAuth string
	var gotBody map[string]any
	mux.HandleFunc("/open-apis/im/v1/messages/om_in/reply", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "msg": "success",
			"data": map[string]string{"message_id": "om_out"},
		})
	})
	srv := testServer(t, mux)

	c := New(nil, srv.URL, "app-id", "app-secret")
	id, err := c.ReplyMessage(context.Background(), "om_in", PendingCard(), "interactive")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if id != "om_out" {
		t.Fatalf("unexpected reply id: %q", id)
	}
	if gotAuth != "Bearer t-abc" {
		t.Fatalf("tenant token not attached: %q", gotAuth)
	}
	if gotBody["msg_type"] != "interactive" {
		t.Fatalf("unexpected reply body: %+v", gotBody)
	}
	if u, _ := gotBody["uuid"].(string); u == "" {
		t.Fatalf("reply uuid missing: %+v", gotBody)
	}
}

func TestCallSurfacesAPIErrorCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/open-apis/im/v1/messages/om_x", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 230002, "msg": "bot not in chat"})
	})
	srv := testServer(t, mux)

	c := New(nil, srv.URL, "app-id", "app-secret")
	err := c.PatchMessage(context.Background(), "om_x", "{}")
	if err == nil {
		t.Fatalf("expected api error")
	}
}

func TestCallRetriesOnServerError(t *testing.T) {
	mux := http.NewServeMux()
	var calls atomic.Int64
	mux.HandleFunc("/open-apis/im/v1/messages/", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"code":0,"msg":"upstream"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "success", "data": map[string]any{}})
	})
	srv := testServer(t, mux)

	c := New(nil, srv.URL, "app-id", "app-secret")
	if err := c.PatchMessage(context.Background(), "om_y", "{}"); err != nil {
		t.Fatalf("retry did not recover: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}
