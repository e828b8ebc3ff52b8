package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"relaycast/internal/observability/metrics"
)

func newTestClient(t *testing.T, handler http.Handler, mutate func(*Config)) (*Client, *metrics.Recorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	recorder := metrics.New()
	cfg := Config{
		BaseURL:    srv.URL,
		APIVersion: "v19.0",
		AppID:      "app",
		AppSecret:  "secret",
		HTTPClient: srv.Client(),
		Metrics:    recorder,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), recorder
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestExchangeToken(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v19.0/oauth/access_token" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("grant_type") != "fb_exchange_token" || q.Get("fb_exchange_token") != "short" || q.Get("client_id") != "app" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "long", "token_type": "bearer", "expires_in": 5183944})
	}), nil)

	token, err := client.ExchangeToken(context.Background(), "short")
	if err != nil {
		t.Fatalf("ExchangeToken: %v", err)
	}
	if token.AccessToken != "long" || token.ExpiresIn != 5183944 {
		t.Fatalf("unexpected token %+v", token)
	}
}

func TestExchangeTokenRequiresAppCredentials(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler(), func(cfg *Config) { cfg.AppSecret = "" })
	if _, err := client.ExchangeToken(context.Background(), "short"); err == nil {
		t.Fatal("expected error without app secret")
	}
}

func TestListPagesFollowsCursor(t *testing.T) {
	var calls int32
	client, recorder := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Query().Get("access_token") != "user-token" {
			t.Fatalf("missing access token")
		}
		switch r.URL.Query().Get("after") {
		case "":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"data": []map[string]string{{"id": "1", "name": "One", "access_token": "t1"}},
				"paging": map[string]interface{}{
					"cursors": map[string]string{"after": "c1"},
					"next":    "https://example/next",
				},
			})
		case "c1":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"data":   []map[string]string{{"id": "2", "name": "Two", "access_token": "t2"}},
				"paging": map[string]interface{}{"cursors": map[string]string{"after": "c2"}},
			})
		default:
			t.Fatalf("unexpected cursor %q", r.URL.Query().Get("after"))
		}
	}), nil)

	pages, err := client.ListPages(context.Background(), "user-token")
	if err != nil {
		t.Fatalf("ListPages: %v", err)
	}
	if len(pages) != 2 || pages[0].AccessToken != "t1" || pages[1].ID != "2" {
		t.Fatalf("unexpected pages %+v", pages)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	attempts, failures := recorder.RemoteCounts()
	if attempts["list_pages"] != 2 || failures["list_pages"] != 0 {
		t.Fatalf("unexpected metrics attempts=%v failures=%v", attempts, failures)
	}
}

func TestPageDetailsRetriesWithoutFanCount(t *testing.T) {
	var fields []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := r.URL.Query().Get("fields")
		fields = append(fields, f)
		if strings.Contains(f, "fan_count") {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": map[string]interface{}{"message": "(#100) Tried accessing nonexisting field (fan_count)", "code": 100},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": "42", "name": "Page", "category": "Media"})
	}), nil)

	details, err := client.PageDetails(context.Background(), "42", "token")
	if err != nil {
		t.Fatalf("PageDetails: %v", err)
	}
	if details.Name != "Page" || len(fields) != 2 {
		t.Fatalf("expected fallback request, got %+v after %v", details, fields)
	}
}

func TestCreateBroadcastPrefersSecureURL(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v19.0/99/live_videos" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("access_token") != "page-token" {
			t.Fatalf("missing page token")
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["status"] != "LIVE_NOW" || payload["title"] != "Live: Clip" {
			t.Fatalf("unexpected payload %v", payload)
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"id":                "b1",
			"stream_url":        "rtmp://live/abc",
			"secure_stream_url": "rtmps://live/abc",
		})
	}), nil)

	broadcast, err := client.CreateBroadcast(context.Background(), "99", "page-token", BroadcastParams{Title: "Live: Clip"})
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	if broadcast.ID != "b1" || broadcast.IngestURL() != "rtmps://live/abc" {
		t.Fatalf("unexpected broadcast %+v", broadcast)
	}
	if (Broadcast{StreamURL: "rtmp://x"}).IngestURL() != "rtmp://x" {
		t.Fatal("expected fallback to plain stream url")
	}
}

func TestCreateBroadcastSurfacesCredentialError(t *testing.T) {
	client, recorder := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": map[string]interface{}{
				"message":       "Error validating access token: Session has expired",
				"type":          "OAuthException",
				"code":          190,
				"error_subcode": 463,
			},
		})
	}), func(cfg *Config) { cfg.MaxAttempts = 3 })

	_, err := client.CreateBroadcast(context.Background(), "99", "stale", BroadcastParams{})
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != CategoryExpiredSession {
		t.Fatalf("expected expired session, got %s (%v)", Classify(err), err)
	}
	if StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", StatusCode(err))
	}
	attempts, failures := recorder.RemoteCounts()
	if attempts["create_broadcast"] != 1 || failures["create_broadcast"] != 1 {
		t.Fatalf("client errors must not be retried: attempts=%v failures=%v", attempts, failures)
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls int32
	client, recorder := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": "b1", "status": "LIVE", "live_views": 17})
	}), func(cfg *Config) {
		cfg.MaxAttempts = 3
		cfg.RetryInterval = time.Millisecond
	})

	status, err := client.LiveStatus(context.Background(), "b1", "token")
	if err != nil {
		t.Fatalf("LiveStatus: %v", err)
	}
	if status.LiveViews != 17 || status.Ended() {
		t.Fatalf("unexpected status %+v", status)
	}
	attempts, failures := recorder.RemoteCounts()
	if attempts["live_status"] != 3 || failures["live_status"] != 2 {
		t.Fatalf("unexpected metrics attempts=%v failures=%v", attempts, failures)
	}
}

func TestLiveStatusEnded(t *testing.T) {
	for _, status := range []string{"LIVE_STOPPED", "VOD", "SCHEDULED_CANCELED", "scheduled_expired"} {
		if !(LiveStatus{Status: status}).Ended() {
			t.Fatalf("expected %s to be ended", status)
		}
	}
	for _, status := range []string{"LIVE", "UNPUBLISHED", ""} {
		if (LiveStatus{Status: status}).Ended() {
			t.Fatalf("expected %s to be running", status)
		}
	}
}

func TestUpdateBroadcastAndPostComment(t *testing.T) {
	var bodies []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, r.URL.Path+" "+string(data))
		switch r.URL.Path {
		case "/v19.0/b1":
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		case "/v19.0/v1/comments":
			writeJSON(w, http.StatusOK, map[string]string{"id": "c9"})
		default:
			http.NotFound(w, r)
		}
	}), nil)

	if err := client.UpdateBroadcast(context.Background(), "b1", "tok", BroadcastParams{Title: "T", Description: "D"}); err != nil {
		t.Fatalf("UpdateBroadcast: %v", err)
	}
	id, err := client.PostComment(context.Background(), "v1", "tok", "hello")
	if err != nil {
		t.Fatalf("PostComment: %v", err)
	}
	if id != "c9" {
		t.Fatalf("expected comment id c9, got %q", id)
	}
	if len(bodies) != 2 || !strings.Contains(bodies[0], `"title":"T"`) || !strings.Contains(bodies[1], `"message":"hello"`) {
		t.Fatalf("unexpected bodies %v", bodies)
	}
}

func TestUpdateBroadcastOmitsEmptyFields(t *testing.T) {
	var bodies []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}), nil)

	if err := client.UpdateBroadcast(context.Background(), "b1", "tok", BroadcastParams{Description: "new desc"}); err != nil {
		t.Fatalf("UpdateBroadcast: %v", err)
	}
	if len(bodies) != 1 || strings.Contains(bodies[0], "title") || !strings.Contains(bodies[0], `"description":"new desc"`) {
		t.Fatalf("expected description-only payload, got %v", bodies)
	}

	if err := client.UpdateBroadcast(context.Background(), "b1", "tok", BroadcastParams{}); err != nil {
		t.Fatalf("UpdateBroadcast without fields: %v", err)
	}
	if len(bodies) != 1 {
		t.Fatalf("expected no request for an empty update, got %d", len(bodies))
	}
}

func TestAccountID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "u1", "name": "Operator"})
	}), nil)
	account, err := client.AccountID(context.Background(), "tok")
	if err != nil {
		t.Fatalf("AccountID: %v", err)
	}
	if account.ID != "u1" {
		t.Fatalf("unexpected account %+v", account)
	}
}
