package upstream

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/moria/internal"
)

const (
	// clientTTL bounds how long a cached client (and its bearer token) may
	// outlive a credential rotation on the provider row.
	clientTTL    = 5 * time.Minute
	clientMaxLen = 1_000
)

// Pool caches one Client per (provider_id, csesidx). Keying on both means a
// credential rotation naturally misses and builds a fresh client; a racing
// insert wastes one construction, which is tolerable.
type Pool struct {
	cache *otter.Cache[string, *Client]
	opts  Options
}

// NewPool returns a Pool whose clients are built with opts.
func NewPool(opts Options) (*Pool, error) {
	c, err := otter.New(&otter.Options[string, *Client]{
		MaximumSize:      clientMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *Client](clientTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create upstream client cache: %w", err)
	}
	return &Pool{cache: c, opts: opts}, nil
}

// ClientFor returns the cached client for the provider, constructing one on
// miss.
func (p *Pool) ClientFor(provider *gateway.Provider) *Client {
	key := provider.ID + "|" + provider.CSesIdx
	if c, ok := p.cache.GetIfPresent(key); ok {
		return c
	}
	c := NewClient(provider, p.opts)
	p.cache.Set(key, c)
	return c
}

// Invalidate drops any cached client for the provider id and csesidx pair.
func (p *Pool) Invalidate(providerID, csesidx string) {
	p.cache.Invalidate(providerID + "|" + csesidx)
}
