package gdrive

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobeaver/volumekit"
	"golang.org/x/oauth2"
)

var testCreds = volumekit.Credentials{ClientID: "id", ClientSecret: "secret", RefreshToken: "refresh"}

func countingFetcher(calls *atomic.Int32, expiry time.Duration) TokenFetcher {
	return func(ctx context.Context, creds volumekit.Credentials) (*oauth2.Token, error) {
		n := calls.Add(1)
		return &oauth2.Token{
			AccessToken: creds.ClientID + "-" + string(rune('0'+n)),
			Expiry:      time.Now().Add(expiry),
		}, nil
	}
}

func TestBroker_SingleFlight(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	broker := NewBroker(func(ctx context.Context, creds volumekit.Credentials) (*oauth2.Token, error) {
		calls.Add(1)
		<-gate
		return &oauth2.Token{AccessToken: "shared", Expiry: time.Now().Add(time.Hour)}, nil
	})

	const workers = 20
	var wg sync.WaitGroup
	tokens := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := broker.Token(context.Background(), testCreds)
			errs[i] = err
			if tok != nil {
				tokens[i] = tok.AccessToken
			}
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("fetch called %d times, want 1", n)
	}
	for i := range tokens {
		if errs[i] != nil || tokens[i] != "shared" {
			t.Errorf("worker %d got %q, %v", i, tokens[i], errs[i])
		}
	}
}

func TestBroker_Cache(t *testing.T) {
	ctx := context.Background()

	t.Run("reuses valid token", func(t *testing.T) {
		var calls atomic.Int32
		broker := NewBroker(countingFetcher(&calls, time.Hour))
		a, _ := broker.Token(ctx, testCreds)
		b, _ := broker.Token(ctx, testCreds)
		if a.AccessToken != b.AccessToken || calls.Load() != 1 {
			t.Errorf("tokens %s/%s after %d fetches", a.AccessToken, b.AccessToken, calls.Load())
		}
	})

	t.Run("refreshes expired token", func(t *testing.T) {
		var calls atomic.Int32
		broker := NewBroker(countingFetcher(&calls, -time.Minute))
		_, _ = broker.Token(ctx, testCreds)
		_, _ = broker.Token(ctx, testCreds)
		if calls.Load() != 2 {
			t.Errorf("fetch called %d times, want 2", calls.Load())
		}
	})

	t.Run("separate credentials", func(t *testing.T) {
		var calls atomic.Int32
		broker := NewBroker(countingFetcher(&calls, time.Hour))
		other := testCreds
		other.RefreshToken = "other"
		_, _ = broker.Token(ctx, testCreds)
		_, _ = broker.Token(ctx, other)
		if calls.Load() != 2 {
			t.Errorf("fetch called %d times, want 2", calls.Load())
		}
	})

	t.Run("forget", func(t *testing.T) {
		var calls atomic.Int32
		broker := NewBroker(countingFetcher(&calls, time.Hour))
		_, _ = broker.Token(ctx, testCreds)
		broker.Forget(testCreds)
		_, _ = broker.Token(ctx, testCreds)
		if calls.Load() != 2 {
			t.Errorf("fetch called %d times, want 2", calls.Load())
		}
	})
}

func TestBroker_Errors(t *testing.T) {
	ctx := context.Background()

	boom := errors.New("invalid_grant")
	broker := NewBroker(func(context.Context, volumekit.Credentials) (*oauth2.Token, error) {
		return nil, boom
	})
	if _, err := broker.Token(ctx, testCreds); !errors.Is(err, boom) {
		t.Errorf("Token() error = %v, want invalid_grant", err)
	}

	broker = NewBroker(func(context.Context, volumekit.Credentials) (*oauth2.Token, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	})
	if _, err := broker.Token(ctx, testCreds); !volumekit.IsUnavailable(err) {
		t.Errorf("Token() error = %v, want unavailable", err)
	}
}

func TestBroker_TokenSource(t *testing.T) {
	var calls atomic.Int32
	broker := NewBroker(countingFetcher(&calls, time.Hour))

	src := oauth2.ReuseTokenSource(nil, broker.TokenSource(testCreds, 0))
	tok, err := src.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != "id-1" {
		t.Errorf("AccessToken = %s, want id-1", tok.AccessToken)
	}
}

func TestBroker_CancelledCallerDoesNotFailOthers(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	gate := make(chan struct{})
	broker := NewBroker(func(ctx context.Context, creds volumekit.Credentials) (*oauth2.Token, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-gate:
			return &oauth2.Token{AccessToken: "shared", Expiry: time.Now().Add(time.Hour)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := broker.Token(first, testCreds)
		firstErr <- err
	}()
	<-started

	type result struct {
		tok *oauth2.Token
		err error
	}
	second := make(chan result, 1)
	go func() {
		tok, err := broker.Token(context.Background(), testCreds)
		second <- result{tok, err}
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first Token() error = %v, want context.Canceled", err)
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)

	res := <-second
	if res.err != nil || res.tok.AccessToken != "shared" {
		t.Fatalf("second Token() = %v, %v", res.tok, res.err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fetch called %d times, want 1", n)
	}
}

func TestBroker_StalledRefresh(t *testing.T) {
	t.Run("source wait is bounded", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		broker := NewBroker(func(context.Context, volumekit.Credentials) (*oauth2.Token, error) {
			<-release
			return nil, errors.New("released")
		})

		done := make(chan error, 1)
		go func() {
			_, err := broker.TokenSource(testCreds, 50*time.Millisecond).Token()
			done <- err
		}()
		select {
		case err := <-done:
			if !volumekit.IsTimeout(err) {
				t.Errorf("Token() error = %v, want timeout", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Token() blocked on a stalled refresh")
		}
	})

	t.Run("refresh is bounded", func(t *testing.T) {
		var calls atomic.Int32
		broker := NewBroker(func(ctx context.Context, creds volumekit.Credentials) (*oauth2.Token, error) {
			calls.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		broker.timeout = 50 * time.Millisecond

		if _, err := broker.Token(context.Background(), testCreds); !volumekit.IsTimeout(err) {
			t.Errorf("Token() error = %v, want timeout", err)
		}
		if _, err := broker.Token(context.Background(), testCreds); !volumekit.IsTimeout(err) {
			t.Errorf("retry error = %v, want timeout", err)
		}
		if n := calls.Load(); n != 2 {
			t.Errorf("fetch called %d times, want 2", n)
		}
	})
}

func TestOAuthConfig(t *testing.T) {
	cfg := OAuthConfig(testCreds)
	if cfg.ClientID != "id" || cfg.ClientSecret != "secret" {
		t.Errorf("client = %s/%s", cfg.ClientID, cfg.ClientSecret)
	}
	if len(cfg.Scopes) != 1 || cfg.Scopes[0] != "https://www.googleapis.com/auth/drive" {
		t.Errorf("Scopes = %v", cfg.Scopes)
	}
	if cfg.Endpoint.TokenURL == "" {
		t.Error("token endpoint should be set")
	}
}
