package gdrive

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gobeaver/volumekit"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/drive/v3"
)

// TokenFetcher exchanges a refresh token for an access token.
type TokenFetcher func(ctx context.Context, creds volumekit.Credentials) (*oauth2.Token, error)

// Broker caches access tokens per credential set. Concurrent requests for
// the same credentials share a single refresh. The refresh runs detached
// from any one caller and is bounded by its own timeout; each caller waits
// only as long as its own context allows.
type Broker struct {
	mu      sync.Mutex
	tokens  map[uint64]*oauth2.Token
	group   singleflight.Group
	fetch   TokenFetcher
	timeout time.Duration
}

// NewBroker creates a broker using fetch for refreshes. A nil fetch uses
// the Google OAuth2 token endpoint.
func NewBroker(fetch TokenFetcher) *Broker {
	if fetch == nil {
		fetch = RefreshToken
	}
	return &Broker{
		tokens:  make(map[uint64]*oauth2.Token),
		fetch:   fetch,
		timeout: volumekit.DefaultCloudTimeout,
	}
}

var defaultBroker = NewBroker(nil)

// DefaultBroker returns the process-wide broker.
func DefaultBroker() *Broker {
	return defaultBroker
}

func identity(creds volumekit.Credentials) uint64 {
	return xxhash.Sum64String(creds.ClientID + "\x00" + creds.RefreshToken)
}

// Token returns a valid access token for creds, refreshing it when the
// cached one is missing or expired.
func (b *Broker) Token(ctx context.Context, creds volumekit.Credentials) (*oauth2.Token, error) {
	id := identity(creds)

	b.mu.Lock()
	tok := b.tokens[id]
	b.mu.Unlock()
	if tok.Valid() {
		return tok, nil
	}

	ch := b.group.DoChan(strconv.FormatUint(id, 16), func() (any, error) {
		b.mu.Lock()
		cached := b.tokens[id]
		b.mu.Unlock()
		if cached.Valid() {
			return cached, nil
		}

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer cancel()
		fresh, err := b.fetch(fctx, creds)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.tokens[id] = fresh
		b.mu.Unlock()
		return fresh, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, volumekit.ClassifyNetError(res.Err)
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, volumekit.ClassifyNetError(ctx.Err())
	}
}

// Forget drops the cached token for creds.
func (b *Broker) Forget(creds volumekit.Credentials) {
	b.mu.Lock()
	delete(b.tokens, identity(creds))
	b.mu.Unlock()
}

// TokenSource adapts the broker to oauth2.TokenSource for creds. Each Token
// call waits at most timeout; zero uses the broker's refresh timeout.
func (b *Broker) TokenSource(creds volumekit.Credentials, timeout time.Duration) oauth2.TokenSource {
	if timeout <= 0 {
		timeout = b.timeout
	}
	return &brokerSource{broker: b, creds: creds, timeout: timeout}
}

type brokerSource struct {
	broker  *Broker
	creds   volumekit.Credentials
	timeout time.Duration
}

func (s *brokerSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.broker.Token(ctx, s.creds)
}

// OAuthConfig returns the OAuth2 client configuration for creds.
func OAuthConfig(creds volumekit.Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveScope},
	}
}

// RefreshToken fetches an access token from Google.
func RefreshToken(ctx context.Context, creds volumekit.Credentials) (*oauth2.Token, error) {
	src := OAuthConfig(creds).TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	return src.Token()
}
