package upstream_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okonuma/hanbai/common/retry"
	"github.com/okonuma/hanbai/internal/hanbai/upstream"
)

func TestDo_SendsAuthAndPayload(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"status": "error"}`))
	}))
	defer srv.Close()

	c := upstream.NewClient(srv.URL, "sk_test")
	resp, err := c.Do(context.Background(), http.MethodPost, "/v2/offer_codes", map[string]any{"code": "SAVE15"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if gotAuth != "Bearer sk_test" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	if gotBody["code"] != "SAVE15" {
		t.Fatalf("body: %v", gotBody)
	}
}

// flakyTransport fails the first n round trips with a transport error and
// delegates afterwards.
type flakyTransport struct {
	failures int
	inner    http.RoundTripper
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset")
	}
	return f.inner.RoundTrip(req)
}

func TestDo_RetriesTransportErrors(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hc := &http.Client{Transport: &flakyTransport{failures: 1, inner: http.DefaultTransport}}
	c := upstream.NewClient(srv.URL, "",
		upstream.WithHTTPClient(hc),
		upstream.WithRetry(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}))

	resp, err := c.Do(context.Background(), http.MethodGet, "/v2/products/_probe/price", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK || hits != 1 {
		t.Fatalf("status %d after %d server hits", resp.StatusCode, hits)
	}
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	hc := &http.Client{Transport: &flakyTransport{failures: 10, inner: http.DefaultTransport}}
	c := upstream.NewClient("http://127.0.0.1:0", "",
		upstream.WithHTTPClient(hc),
		upstream.WithRetry(retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}))

	if _, err := c.Do(context.Background(), http.MethodGet, "/v2/products/_probe/price", nil); err == nil {
		t.Fatal("expected a transport error after retries are exhausted")
	}
}
