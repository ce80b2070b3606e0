package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	gateway "github.com/eugener/moria/internal"
)

var testHMACKey = []byte("0123456789abcdef0123456789abcdef")

func tokenHandler(fetches *atomic.Int64, expire time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      base64.RawURLEncoding.EncodeToString(testHMACKey),
			"keyId":      "key-1",
			"expireTime": expire.Format(time.RFC3339),
		})
	}
}

func TestBearerDerivation(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int64
	srv := httptest.NewServer(tokenHandler(&fetches, time.Now().Add(time.Hour)))
	defer srv.Close()

	m := newTokenManager(srv.Client(), srv.URL, "cs-42")
	bearer, err := m.Bearer(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	tok, err := jwt.Parse(bearer, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("alg = %v", tok.Header["alg"])
		}
		return testHMACKey, nil
	})
	if err != nil {
		t.Fatal("parse bearer:", err)
	}
	if kid := tok.Header["kid"]; kid != "key-1" {
		t.Errorf("kid = %v, want key-1", kid)
	}

	claims := tok.Claims.(jwt.MapClaims)
	if sub := claims["sub"]; sub != "csesidx/cs-42" {
		t.Errorf("sub = %v, want csesidx/cs-42", sub)
	}
	exp := time.Unix(int64(claims["exp"].(float64)), 0)
	if d := time.Until(exp); d > bearerLifetime+time.Minute || d < bearerLifetime-time.Minute {
		t.Errorf("exp %v from now, want ~%v", d, bearerLifetime)
	}
}

func TestBearerCapsAtServerExpiry(t *testing.T) {
	t.Parallel()

	serverExp := time.Now().Add(90 * time.Second)
	var fetches atomic.Int64
	srv := httptest.NewServer(tokenHandler(&fetches, serverExp))
	defer srv.Close()

	m := newTokenManager(srv.Client(), srv.URL, "cs-1")
	bearer, err := m.Bearer(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	tok, _, err := jwt.NewParser().ParseUnverified(bearer, jwt.MapClaims{})
	if err != nil {
		t.Fatal(err)
	}
	exp := time.Unix(int64(tok.Claims.(jwt.MapClaims)["exp"].(float64)), 0)
	if exp.After(serverExp.Add(2 * time.Second)) {
		t.Errorf("exp = %v, want capped at server expiry %v", exp, serverExp)
	}
}

func TestBearerCachedAcrossCalls(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int64
	srv := httptest.NewServer(tokenHandler(&fetches, time.Now().Add(time.Hour)))
	defer srv.Close()

	m := newTokenManager(srv.Client(), srv.URL, "cs-1")
	first, err := m.Bearer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Bearer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("bearer not reused within its lifetime")
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("server token fetches = %d, want 1", n)
	}
}

func TestBearerRefreshSingleFlight(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		<-release
		tokenHandler(&atomic.Int64{}, time.Now().Add(time.Hour))(w, r)
	}))
	defer srv.Close()

	m := newTokenManager(srv.Client(), srv.URL, "cs-1")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Bearer(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := fetches.Load(); n != 1 {
		t.Errorf("server token fetches = %d, want 1 (single-flight)", n)
	}
}

func TestBearerRefreshFailureRetries(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "nope", http.StatusForbidden)
			return
		}
		tokenHandler(&fetches, time.Now().Add(time.Hour))(w, r)
	}))
	defer srv.Close()

	m := newTokenManager(srv.Client(), srv.URL, "cs-1")
	if _, err := m.Bearer(context.Background()); !errors.Is(err, gateway.ErrUpstreamAuth) {
		t.Fatalf("err = %v, want ErrUpstreamAuth", err)
	}

	// Failure leaves no poisoned state: the next call succeeds.
	fail.Store(false)
	if _, err := m.Bearer(context.Background()); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}
