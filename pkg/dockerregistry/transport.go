package dockerregistry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// TokenTransport is an http.RoundTripper implementing the registry token
// flow. A 401 carrying a Bearer challenge is answered by fetching a token
// from the challenge realm and retrying once. The last token issued for a
// registry host is sent up front on later requests. A Basic challenge is
// retried with the credentials.
type TokenTransport struct {
	Transport http.RoundTripper
	Username  string
	Password  string

	mu     sync.Mutex
	tokens map[string]string
}

// WrapTransport wraps an http.RoundTripper with token authentication support.
func WrapTransport(transport http.RoundTripper, username, password string) http.RoundTripper {
	return &TokenTransport{
		Transport: transport,
		Username:  username,
		Password:  password,
		tokens:    map[string]string{},
	}
}

type challenge struct {
	Scheme  string
	Realm   string
	Service string
	Scope   string
}

func (t *TokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if token := t.cachedToken(req.URL.Host); token != "" {
		req = withAuthorization(req, "Bearer "+token)
	}

	resp, err := t.Transport.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	ch, ok := parseChallenge(resp.Header.Values("WWW-Authenticate"))
	if !ok {
		return resp, nil
	}

	switch ch.Scheme {
	case "bearer":
		token, err := t.fetchToken(req, ch)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		resp.Body.Close()
		return t.Transport.RoundTrip(withAuthorization(req, "Bearer "+token))
	case "basic":
		if t.Username == "" && t.Password == "" {
			return resp, nil
		}
		resp.Body.Close()
		r := req.Clone(req.Context())
		r.SetBasicAuth(t.Username, t.Password)
		return t.Transport.RoundTrip(r)
	}

	return resp, nil
}

func withAuthorization(req *http.Request, value string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", value)
	return r
}

// cachedToken returns the most recently issued token for the registry host.
func (t *TokenTransport) cachedToken(host string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.tokens[host]
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (t *TokenTransport) fetchToken(req *http.Request, ch challenge) (string, error) {
	u, err := url.Parse(ch.Realm)
	if err != nil {
		return "", fmt.Errorf("invalid token realm %q: %w", ch.Realm, err)
	}
	q := u.Query()
	if ch.Service != "" {
		q.Set("service", ch.Service)
	}
	if ch.Scope != "" {
		q.Set("scope", ch.Scope)
	}
	u.RawQuery = q.Encode()

	authReq, err := http.NewRequestWithContext(req.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	if t.Username != "" || t.Password != "" {
		authReq.SetBasicAuth(t.Username, t.Password)
	}

	resp, err := t.Transport.RoundTrip(authReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth failed with status: %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("token service %s returned no token", ch.Realm)
	}

	t.mu.Lock()
	t.tokens[req.URL.Host] = token
	t.mu.Unlock()

	return token, nil
}

var challengeParamRE = regexp.MustCompile(`([A-Za-z_]+)="([^"]*)"`)

// parseChallenge picks the first Bearer or Basic challenge out of the
// WWW-Authenticate header values.
func parseChallenge(values []string) (challenge, bool) {
	for _, v := range values {
		v = strings.TrimSpace(v)
		scheme := v
		if i := strings.IndexByte(v, ' '); i >= 0 {
			scheme = v[:i]
		}
		scheme = strings.ToLower(scheme)
		if scheme != "bearer" && scheme != "basic" {
			continue
		}

		ch := challenge{Scheme: scheme}
		for _, m := range challengeParamRE.FindAllStringSubmatch(v, -1) {
			switch strings.ToLower(m[1]) {
			case "realm":
				ch.Realm = m[2]
			case "service":
				ch.Service = m[2]
			case "scope":
				ch.Scope = m[2]
			}
		}
		if ch.Scheme == "bearer" && ch.Realm == "" {
			continue
		}
		return ch, true
	}
	return challenge{}, false
}
