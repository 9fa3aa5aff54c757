package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/chainpulse/chainpulse/internal/domain"
)

// ErrKind classifies adapter failures so the multi-source provider can
// decide whether to degrade health or just fall through.
type ErrKind string

const (
	ErrNetwork     ErrKind = "network"
	ErrHTTP        ErrKind = "http"
	ErrDecode      ErrKind = "decode"
	ErrRateLimited ErrKind = "rate_limited"
	ErrCapability  ErrKind = "capability"
)

// AdapterError is the single abstract error every adapter raises. Network
// errors, non-2xx responses, and schema-incompatible bodies all collapse
// into this shape; upstream detail never leaks past the provider.
type AdapterError struct {
	Source  string
	Kind    ErrKind
	Message string
	Status  int
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s adapter: %s: %s", e.Source, e.Kind, e.Message)
}

// IsCapabilityError reports whether err marks an endpoint the source does
// not support. Capability misses fall through without degrading health.
func IsCapabilityError(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Kind == ErrCapability
}

// BlockRef addresses a block either by hash or by height. Hash wins when
// both are set.
type BlockRef struct {
	Hash   string
	Height int64
}

// Adapter is the uniform capability set over one external HTTP source.
// Optional capabilities return an ErrCapability AdapterError.
type Adapter interface {
	Name() string
	GetBlockHeight(ctx context.Context) (int64, error)
	GetBlock(ctx context.Context, ref BlockRef) (*domain.RawBlock, error)
	GetBlockTransactions(ctx context.Context, blockHash string, startIndex int) ([]domain.RawTx, error)
	GetTransaction(ctx context.Context, txid string) (*domain.RawTx, error)
	GetMempoolInfo(ctx context.Context) (*domain.MempoolSnapshot, error)
	GetRecommendedFees(ctx context.Context) (*domain.FeeBands, error)
	GetAddress(ctx context.Context, address string) (*domain.AddressInfo, error)
}

// Options are the per-adapter knobs shared by all three upstreams.
type Options struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	MaxRetries     int
	RatePerSec     float64
	MaxRetryAfter  time.Duration
}

func (o *Options) normalize() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 1.0
	}
	if o.MaxRetryAfter <= 0 {
		o.MaxRetryAfter = 5 * time.Minute
	}
}

// httpClient wraps one upstream with a token bucket, bounded retries, and
// Retry-After handling. Rate waits honor context cancellation.
type httpClient struct {
	source        string
	client        *http.Client
	limiter       *rate.Limiter
	maxRetries    int
	maxRetryAfter time.Duration
}

func newHTTPClient(source string, opts Options) *httpClient {
	opts.normalize()
	return &httpClient{
		source: source,
		client: &http.Client{
			Timeout: opts.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter:       rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		maxRetries:    opts.MaxRetries,
		maxRetryAfter: opts.MaxRetryAfter,
	}
}

// get performs one rate-limited GET with retries. HTTP 429 sleeps the
// advertised Retry-After (capped) and consumes one retry.
func (c *httpClient) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &AdapterError{Source: c.source, Kind: ErrNetwork, Message: err.Error()}
		}

		body, retryable, err := c.doOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		log.Debug().Str("source", c.source).Str("url", url).Int("attempt", attempt+1).Err(err).Msg("adapter retry")
	}
	return nil, lastErr
}

func (c *httpClient) doOnce(ctx context.Context, url string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, &AdapterError{Source: c.source, Kind: ErrNetwork, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "chainpulse/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, &AdapterError{Source: c.source, Kind: ErrNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := c.retryAfter(resp)
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, false, &AdapterError{Source: c.source, Kind: ErrNetwork, Message: ctx.Err().Error()}
		case <-timer.C:
		}
		return nil, true, &AdapterError{Source: c.source, Kind: ErrRateLimited, Message: fmt.Sprintf("429 after %s wait", wait), Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return nil, true, &AdapterError{Source: c.source, Kind: ErrHTTP, Message: fmt.Sprintf("HTTP %d", resp.StatusCode), Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, false, &AdapterError{Source: c.source, Kind: ErrHTTP, Message: fmt.Sprintf("HTTP %d", resp.StatusCode), Status: resp.StatusCode}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, &AdapterError{Source: c.source, Kind: ErrNetwork, Message: err.Error()}
	}
	return b, false, nil
}

func (c *httpClient) retryAfter(resp *http.Response) time.Duration {
	wait := 2 * time.Second
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	if wait > c.maxRetryAfter {
		wait = c.maxRetryAfter
	}
	return wait
}

func decodeErr(source string, err error) error {
	return &AdapterError{Source: source, Kind: ErrDecode, Message: err.Error()}
}

func notSupported(source, method string) error {
	return &AdapterError{Source: source, Kind: ErrCapability, Message: method + " not supported"}
}

// satToBTC converts satoshi to BTC.
func satToBTC(sat int64) float64 {
	return float64(sat) / 1e8
}
