package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewNormalisesBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                        "http://localhost:3000",
		"api.internal:3000/":      "http://api.internal:3000",
		"https://builds.example/": "https://builds.example",
	}
	for in, want := range cases {
		cli, err := New(in)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if cli.baseURL != want {
			t.Fatalf("expected %q for %q, got %q", want, in, cli.baseURL)
		}
	}
}

func TestRequestsCarryTokenAndDecodeErrors(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		switch r.URL.Path {
		case "/projects/p1/builds":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(BuildPage{Total: 3, Limit: 2})
		default:
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "build already finished"})
		}
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithToken(" secret "), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	ctx := context.Background()

	page, err := cli.ListBuilds(ctx, "p1", "queued", 2, 0)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if page.Total != 3 {
		t.Fatalf("unexpected page %+v", page)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotQuery != "limit=2&status=queued" {
		t.Fatalf("unexpected query %q", gotQuery)
	}

	_, err = cli.CancelBuild(ctx, "b1")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "build already finished" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}
