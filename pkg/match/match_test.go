package match

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opthub-org/opthub-runner/pkg/opthuberr"
)

func TestFetchMatchSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token123" {
			t.Errorf("got Authorization %q", got)
		}
		resp := map[string]any{
			"data": map[string]any{
				"getMatch": map[string]any{
					"id":        "abc",
					"problem":   map[string]any{"dockerImage": "problem:latest"},
					"indicator": map[string]any{"dockerImage": "indicator:latest"},
					"problemPublicEnvironments": []map[string]any{
						{"key": "FOO", "value": "bar"},
					},
					"problemPrivateEnvironments": []map[string]any{
						{"key": "SECRET", "value": "shh"},
					},
					"indicatorPublicEnvironments":  []map[string]any{},
					"indicatorPrivateEnvironments": []map[string]any{},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	r := NewHTTPResolver(server.URL, "token123")
	m, err := r.FetchMatch(context.Background(), "Match#abc")
	if err != nil {
		t.Fatal(err)
	}
	if m.ProblemImage != "problem:latest" {
		t.Errorf("got ProblemImage %q", m.ProblemImage)
	}
	if m.IndicatorImage != "indicator:latest" {
		t.Errorf("got IndicatorImage %q", m.IndicatorImage)
	}
	if m.ProblemEnvironment["FOO"] != "bar" || m.ProblemEnvironment["SECRET"] != "shh" {
		t.Errorf("got ProblemEnvironment %v", m.ProblemEnvironment)
	}
}

func TestFetchMatchMissingPrefix(t *testing.T) {
	r := NewHTTPResolver("http://unused", "")
	if _, err := r.FetchMatch(context.Background(), "abc"); err == nil {
		t.Error("expected error for match id missing Match# prefix")
	}
}

func TestFetchMatchMissingImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"getMatch": map[string]any{
					"id":        "abc",
					"problem":   map[string]any{"dockerImage": ""},
					"indicator": map[string]any{"dockerImage": "indicator:latest"},
				},
			},
		})
	}))
	defer server.Close()

	r := NewHTTPResolver(server.URL, "")
	_, err := r.FetchMatch(context.Background(), "Match#abc")
	if !errors.Is(err, opthuberr.ErrDockerImageNotFound) {
		t.Errorf("got %v, want ErrDockerImageNotFound", err)
	}
}

func TestFetchMatchMissingPrivateEnvironmentValue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"getMatch": map[string]any{
					"problem":                    map[string]any{"dockerImage": "problem:latest"},
					"indicator":                  map[string]any{"dockerImage": "indicator:latest"},
					"problemPrivateEnvironments": []map[string]any{{"key": "SECRET", "value": nil}},
				},
			},
		})
	}))
	defer server.Close()

	r := NewHTTPResolver(server.URL, "")
	_, err := r.FetchMatch(context.Background(), "Match#abc")
	var missing *opthuberr.MissingPrivateEnvironmentError
	if !errors.As(err, &missing) {
		t.Fatalf("got %v, want MissingPrivateEnvironmentError", err)
	}
	if missing.Key != "SECRET" {
		t.Errorf("got Key %q", missing.Key)
	}
}

func TestFetchMatchGraphQLError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{{"message": "match not found"}},
		})
	}))
	defer server.Close()

	r := NewHTTPResolver(server.URL, "")
	_, err := r.FetchMatch(context.Background(), "Match#abc")
	if err == nil {
		t.Error("expected error")
	}
}
