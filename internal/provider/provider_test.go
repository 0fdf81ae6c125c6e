package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/michaelbrown/relay/internal/llm"
)

func TestNewUnknownKind(t *testing.T) {
	_, err := New("no-such-kind", Settings{})
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if llm.Classify(err) != llm.ClassConfiguration {
		t.Errorf("class: %s", llm.Classify(err))
	}
}

func TestRegisterKindAndKinds(t *testing.T) {
	RegisterKind("test-kind", func(s Settings) (Adapter, error) {
		return nil, nil
	})
	if !slices.Contains(Kinds(), "test-kind") {
		t.Errorf("kinds: %v", Kinds())
	}

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	RegisterKind("test-kind", func(s Settings) (Adapter, error) {
		return nil, nil
	})
}

func TestRetryableStatus(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503, 504} {
		if !RetryableStatus(status) {
			t.Errorf("%d should be retryable", status)
		}
	}
	for _, status := range []int{200, 400, 401, 403, 404, 422} {
		if RetryableStatus(status) {
			t.Errorf("%d should not be retryable", status)
		}
	}
}

func TestCloneHeaderDoesNotAlias(t *testing.T) {
	orig := http.Header{}
	orig.Set("Authorization", "Bearer one")

	clone := CloneHeader(orig)
	clone.Set("Authorization", "Bearer two")

	if got := orig.Get("Authorization"); got != "Bearer one" {
		t.Errorf("original mutated: %q", got)
	}
}

func TestHTTPTransportDo(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method %s", r.Method)
		}
		if got := r.Header.Get("X-Test"); got != "yes" {
			t.Errorf("header: %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"ping":true}` {
			t.Errorf("body: %s", body)
		}
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("pong"))
	}))
	defer upstream.Close()

	tr := NewHTTPTransport()
	header := http.Header{}
	header.Set("X-Test", "yes")
	resp, err := tr.Do(context.Background(), &Request{
		URL:    upstream.URL,
		Header: header,
		Body:   []byte(`{"ping":true}`),
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.Status != http.StatusTeapot {
		t.Errorf("status %d", resp.Status)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Errorf("body: %s", body)
	}
}

func TestHTTPTransportConnectFailure(t *testing.T) {
	tr := NewHTTPTransport()
	_, err := tr.Do(context.Background(), &Request{URL: "http://127.0.0.1:1/nothing"})
	var terr *llm.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("got %v, want TransportError", err)
	}
}

func TestHTTPTransportContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := NewHTTPTransport()
	_, err := tr.Do(ctx, &Request{URL: "http://127.0.0.1:1/nothing"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
