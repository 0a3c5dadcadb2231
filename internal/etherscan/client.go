package etherscan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/trace-engine/internal/graph"
	"github.com/rawblock/trace-engine/pkg/models"
)

// Etherscan-compatible explorer client. Implements graph.TxSource:
// in-call retries with exponential backoff on transient failures, and a
// TTL response cache keyed by (operation, sorted params minus the API
// key). A cache hit is indistinguishable from a fresh call except for
// latency.

const endBlockMax = 99_999_999

// Config for the explorer client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // per-attempt HTTP timeout
	MaxRetries int
	RetryBase  time.Duration // first backoff step, doubled per attempt
	CacheTTL   time.Duration
}

type cacheEntry struct {
	result    json.RawMessage
	expiresAt time.Time
}

// Client talks to an Etherscan-compatible HTTP API.
type Client struct {
	cfg  Config
	http *http.Client

	mu     sync.RWMutex
	cache  map[string]cacheEntry
	hits   int64
	misses int64
}

// NewClient builds a client. Zero config fields get working defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.etherscan.io/api"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: make(map[string]cacheEntry),
	}
}

// envelope is the Etherscan response wrapper. Status "1" is success;
// "0" carries an error message (or the benign "No transactions found").
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// proxyEnvelope wraps module=proxy responses, which follow JSON-RPC.
type proxyEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchOutgoing returns the raw transaction list for an address from
// startBlock onward, at most limit entries.
func (c *Client) FetchOutgoing(ctx context.Context, address string, startBlock int64, limit int, ascending bool) ([]models.RawTransaction, error) {
	sortDir := "desc"
	if ascending {
		sortDir = "asc"
	}
	params := url.Values{
		"module":     {"account"},
		"action":     {"txlist"},
		"address":    {strings.ToLower(address)},
		"startblock": {strconv.FormatInt(startBlock, 10)},
		"endblock":   {strconv.Itoa(endBlockMax)},
		"page":       {"1"},
		"offset":     {strconv.Itoa(limit)},
		"sort":       {sortDir},
	}

	result, err := c.call(ctx, params, true)
	if err != nil {
		return nil, err
	}

	var txs []models.RawTransaction
	if err := json.Unmarshal(result, &txs); err != nil {
		return nil, fmt.Errorf("%w: decode txlist: %v", graph.ErrUpstream, err)
	}
	return txs, nil
}

// GetTransactionByHash fetches one transaction through the proxy
// module. Returns nil when the hash is unknown.
func (c *Client) GetTransactionByHash(ctx context.Context, txHash string) (json.RawMessage, error) {
	params := url.Values{
		"module": {"proxy"},
		"action": {"eth_getTransactionByHash"},
		"txhash": {strings.ToLower(txHash)},
	}
	return c.callProxy(ctx, params, true)
}

// GetTransactionReceipt fetches a transaction receipt through the proxy
// module.
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash string) (json.RawMessage, error) {
	params := url.Values{
		"module": {"proxy"},
		"action": {"eth_getTransactionReceipt"},
		"txhash": {strings.ToLower(txHash)},
	}
	return c.callProxy(ctx, params, true)
}

// HealthCheck verifies the upstream answers eth_blockNumber. Bypasses
// the cache so the answer reflects live connectivity.
func (c *Client) HealthCheck(ctx context.Context) error {
	params := url.Values{
		"module": {"proxy"},
		"action": {"eth_blockNumber"},
	}
	_, err := c.callProxy(ctx, params, false)
	return err
}

// call runs one logical request through cache, retry, and envelope
// decoding, returning the raw result payload.
func (c *Client) call(ctx context.Context, params url.Values, cacheable bool) (json.RawMessage, error) {
	key := cacheKey(params)
	if cacheable {
		if result, ok := c.cacheGet(key); ok {
			return result, nil
		}
	}

	body, err := c.fetchWithRetry(ctx, params)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", graph.ErrUpstream, err)
	}
	if env.Status != "1" {
		// "No transactions found" is a valid empty answer, not a failure.
		if strings.EqualFold(env.Message, "No transactions found") {
			empty := json.RawMessage("[]")
			if cacheable {
				c.cachePut(key, empty)
			}
			return empty, nil
		}
		if isRateLimitMessage(env.Message) || isRateLimitResult(env.Result) {
			return nil, fmt.Errorf("%w: %s", graph.ErrRateLimited, env.Message)
		}
		return nil, fmt.Errorf("%w: %s", graph.ErrUpstream, env.Message)
	}

	if cacheable {
		c.cachePut(key, env.Result)
	}
	return env.Result, nil
}

// callProxy is call for the JSON-RPC style proxy module.
func (c *Client) callProxy(ctx context.Context, params url.Values, cacheable bool) (json.RawMessage, error) {
	key := cacheKey(params)
	if cacheable {
		if result, ok := c.cacheGet(key); ok {
			return result, nil
		}
	}

	body, err := c.fetchWithRetry(ctx, params)
	if err != nil {
		return nil, err
	}

	var env proxyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode proxy response: %v", graph.ErrUpstream, err)
	}
	if env.Error != nil {
		if isRateLimitMessage(env.Error.Message) {
			return nil, fmt.Errorf("%w: %s", graph.ErrRateLimited, env.Error.Message)
		}
		return nil, fmt.Errorf("%w: proxy error %d: %s", graph.ErrUpstream, env.Error.Code, env.Error.Message)
	}

	if cacheable {
		c.cachePut(key, env.Result)
	}
	return env.Result, nil
}

// fetchWithRetry performs the HTTP round trip with exponential backoff.
// Transient failures (network errors, 429, 5xx) are retried; anything
// else fails immediately.
func (c *Client) fetchWithRetry(ctx context.Context, params url.Values) ([]byte, error) {
	full := params
	if c.cfg.APIKey != "" {
		full = cloneValues(params)
		full.Set("apikey", c.cfg.APIKey)
	}
	reqURL := c.cfg.BaseURL + "?" + full.Encode()

	var lastErr error
	backoff := c.cfg.RetryBase
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		body, retryable, err := c.doOnce(ctx, reqURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return nil, err
		}
		log.Printf("[Etherscan] Attempt %d/%d failed: %v", attempt+1, c.cfg.MaxRetries, err)
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, reqURL string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: build request: %v", graph.ErrUpstream, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("%w: %v", graph.ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("%w: HTTP 429", graph.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: HTTP %d", graph.ErrUpstream, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("%w: HTTP %d", graph.ErrUpstream, resp.StatusCode)
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("%w: read body: %v", graph.ErrUpstream, err)
	}
	return body, false, nil
}

// ─── Response cache ──────────────────────────────────────────────────

// cacheKey builds the deterministic key: parameter names sorted, API
// key excluded.
func cacheKey(params url.Values) string {
	names := make([]string, 0, len(params))
	for name := range params {
		if name == "apikey" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params.Get(name))
	}
	return b.String()
}

func (c *Client) cacheGet(key string) (json.RawMessage, bool) {
	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		c.misses++
		if ok {
			delete(c.cache, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return entry.result, true
}

func (c *Client) cachePut(key string, result json.RawMessage) {
	c.mu.Lock()
	c.cache[key] = cacheEntry{result: result, expiresAt: time.Now().Add(c.cfg.CacheTTL)}
	c.mu.Unlock()
}

// CacheStats reports cache size and hit/miss counters for the
// monitoring surface.
func (c *Client) CacheStats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"entries": len(c.cache),
		"hits":    c.hits,
		"misses":  c.misses,
		"ttl":     c.cfg.CacheTTL.String(),
	}
}

// ClearCache drops every cached response.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
	log.Printf("[Etherscan] Response cache cleared")
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func isRateLimitMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "rate limit") || strings.Contains(m, "max rate")
}

func isRateLimitResult(result json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return false
	}
	return isRateLimitMessage(s)
}
