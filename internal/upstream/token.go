package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"

	gateway "github.com/eugener/moria/internal"
)

const (
	// expirySlack forces a refresh when the cached bearer is within 30 s of
	// expiring, so a long streaming call never starts on a dying token.
	expirySlack = 30 * time.Second

	// bearerLifetime caps the derived token at 5 minutes even when the
	// server-side token lives longer.
	bearerLifetime = 5 * time.Minute

	tokenIssuer   = "moria-gateway"
	tokenAudience = "assist-backend"
)

// serverToken is the cross-site-request token issued by the upstream. Its
// Token field is the base64url-encoded HMAC key for bearer derivation.
type serverToken struct {
	Token      string    `json:"token"`
	KeyID      string    `json:"keyId"`
	ExpireTime time.Time `json:"expireTime"`
}

// tokenManager owns one provider's bearer token. Refresh is single-flight:
// concurrent callers observe a pending refresh and await its result, and a
// failed refresh leaves the cached state empty so the next call retries.
type tokenManager struct {
	http     *http.Client
	tokenURL string
	csesidx  string

	group singleflight.Group

	mu        sync.Mutex
	bearer    string
	expiresAt time.Time
}

func newTokenManager(client *http.Client, baseURL, csesidx string) *tokenManager {
	return &tokenManager{
		http:     client,
		tokenURL: baseURL + "/v1/xsrfToken",
		csesidx:  csesidx,
	}
}

// Bearer returns a signed bearer token, refreshing if the cached one is
// absent or within the expiry slack.
func (m *tokenManager) Bearer(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.bearer != "" && time.Until(m.expiresAt) > expirySlack {
		bearer := m.bearer
		m.mu.Unlock()
		return bearer, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *tokenManager) refresh(ctx context.Context) (string, error) {
	st, err := m.fetchServerToken(ctx)
	if err != nil {
		return "", err
	}

	bearer, expiresAt, err := deriveBearer(st, m.csesidx, time.Now())
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.bearer = bearer
	m.expiresAt = expiresAt
	m.mu.Unlock()
	return bearer, nil
}

func (m *tokenManager) fetchServerToken(ctx context.Context) (*serverToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.tokenURL, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: create token request: %w", err)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch server token: %v", gateway.ErrUpstreamAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: token endpoint returned %d", gateway.ErrUpstreamAuth, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("%w: read token response: %v", gateway.ErrUpstreamAuth, err)
	}

	var st serverToken
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %v", gateway.ErrUpstreamAuth, err)
	}
	if st.Token == "" {
		return nil, fmt.Errorf("%w: token response missing token", gateway.ErrUpstreamAuth)
	}
	return &st, nil
}

// deriveBearer signs an HS256 JWT with the base64url-decoded server token as
// the HMAC key. The bearer expires at min(now+5m, server expiry).
func deriveBearer(st *serverToken, csesidx string, now time.Time) (string, time.Time, error) {
	key, err := decodeBase64URL(st.Token)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: decode server token: %v", gateway.ErrUpstreamAuth, err)
	}

	exp := now.Add(bearerLifetime)
	if !st.ExpireTime.IsZero() && st.ExpireTime.Before(exp) {
		exp = st.ExpireTime
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": tokenIssuer,
		"aud": tokenAudience,
		"sub": "csesidx/" + csesidx,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	})
	tok.Header["kid"] = st.KeyID

	signed, err := tok.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: sign bearer: %v", gateway.ErrUpstreamAuth, err)
	}
	return signed, exp, nil
}

// decodeBase64URL accepts both padded and unpadded base64url input.
func decodeBase64URL(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
