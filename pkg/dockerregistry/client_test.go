package dockerregistry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTags_SinglePage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/models/model-a/tags/list" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tagsResponse{Tags: []string{"1", "2", "3"}})
	}))
	defer server.Close()

	client, err := New(server.URL)
	if err != nil {
		t.Fatal(err)
	}

	tags, err := client.Tags(context.Background(), "models/model-a")
	if err != nil {
		t.Fatal(err)
	}

	if d := cmp.Diff([]string{"1", "2", "3"}, tags); d != "" {
		t.Errorf("unexpected tags: want (-), got (+):\n%s", d)
	}
}

func TestTags_Pagination(t *testing.T) {
	testcases := []struct {
		name     string
		absolute bool
	}{
		{name: "relative next link"},
		{name: "absolute next link", absolute: true},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			var serverURL string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v2/myrepo/tags/list" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}

				w.Header().Set("Content-Type", "application/json")

				if r.URL.Query().Get("last") == "" {
					link := "/v2/myrepo/tags/list?last=2"
					if tc.absolute {
						link = serverURL + link
					}
					w.Header().Set("Link", `<`+link+`>; rel="next"`)
					json.NewEncoder(w).Encode(tagsResponse{Tags: []string{"1", "2"}})
					return
				}

				json.NewEncoder(w).Encode(tagsResponse{Tags: []string{"3", "v3"}})
			}))
			defer server.Close()
			serverURL = server.URL

			client, err := New(server.URL)
			if err != nil {
				t.Fatal(err)
			}

			tags, err := client.Tags(context.Background(), "myrepo")
			if err != nil {
				t.Fatal(err)
			}

			if d := cmp.Diff([]string{"1", "2", "3", "v3"}, tags); d != "" {
				t.Errorf("unexpected tags: want (-), got (+):\n%s", d)
			}
		})
	}
}

func TestTags_PaginationLoop(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Link", `</v2/myrepo/tags/list?last=1>; rel="next"`)
		json.NewEncoder(w).Encode(tagsResponse{Tags: []string{"1"}})
	}))
	defer server.Close()

	client, err := New(server.URL)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.Tags(context.Background(), "myrepo"); err == nil {
		t.Fatal("expected an error for a next link pointing back at a fetched page")
	}
	if requests != 2 {
		t.Errorf("expected 2 requests, got %d", requests)
	}
}

func TestTags_TokenAuth(t *testing.T) {
	var tokenAuthReceived []string
	var bearerTokenReceived string
	var serverURL string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			tokenAuthReceived = append(tokenAuthReceived, r.Header.Get("Authorization"))
			if got := r.URL.Query().Get("scope"); got != "repository:myrepo:pull" {
				t.Errorf("unexpected scope %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"token": "test-bearer-token"})
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+serverURL+`/token",service="registry.test",scope="repository:myrepo:pull"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		bearerTokenReceived = auth
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tagsResponse{Tags: []string{"1"}})
	}))
	defer server.Close()
	serverURL = server.URL

	client, err := New(server.URL, WithCredentials("testuser", "testpass"))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := client.Tags(context.Background(), "myrepo"); err != nil {
			t.Fatal(err)
		}
	}

	if d := cmp.Diff([]string{"Basic dGVzdHVzZXI6dGVzdHBhc3M="}, tokenAuthReceived); d != "" {
		t.Errorf("expected exactly one basic-authenticated token request: want (-), got (+):\n%s", d)
	}

	if bearerTokenReceived != "Bearer test-bearer-token" {
		t.Errorf("unexpected bearer token %q", bearerTokenReceived)
	}
}

func TestTags_NoAuthWhenCredentialsEmpty(t *testing.T) {
	var receivedAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tagsResponse{Tags: []string{"1"}})
	}))
	defer server.Close()

	client, err := New(server.URL)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.Tags(context.Background(), "myrepo"); err != nil {
		t.Fatal(err)
	}

	if receivedAuth != "" {
		t.Errorf("expected no Authorization header when credentials are empty, got %q", receivedAuth)
	}
}

func TestTags_UnknownRepository(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client, err := New(server.URL)
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Tags(context.Background(), "missing")
	if !errors.Is(err, ErrUnknownRepository) {
		t.Errorf("expected ErrUnknownRepository, got %v", err)
	}
}

func TestTags_UnexpectedStatusCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := New(server.URL)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.Tags(context.Background(), "myrepo"); err == nil {
		t.Error("expected error for unauthorized status")
	}
}

func TestDigest(t *testing.T) {
	const want = "sha256:4d2f8a6a3b0b6a9a7c1c2f2e9e7b1c3d5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.URL.Path != "/v2/model-a/manifests/3" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Accept") == "" {
			t.Error("expected Accept header")
		}
		w.Header().Set("Docker-Content-Digest", want)
	}))
	defer server.Close()

	client, err := New(server.URL)
	if err != nil {
		t.Fatal(err)
	}

	got, err := client.Digest(context.Background(), "model-a", "3")
	if err != nil {
		t.Fatal(err)
	}

	if got.String() != want {
		t.Errorf("unexpected digest %s", got)
	}
}

func TestNew_InvalidURL(t *testing.T) {
	for _, u := range []string{"://invalid", "registry.test"} {
		if _, err := New(u); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
}
