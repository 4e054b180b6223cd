// Package license validates agent license keys against the store's license API.
package license

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	// DefaultValidateURL is the license validation endpoint.
	DefaultValidateURL = "https://api.lemonsqueezy.com/v1/licenses/validate"

	// DefaultCacheTTL bounds how long a validation result is reused.
	DefaultCacheTTL = time.Hour

	defaultCacheSize   = 16
	defaultHTTPTimeout = 15 * time.Second
	maxResponseBytes   = 1 << 20

	fallbackError = "License validation failed"
)

// KeyInfo describes the license key as reported by the store.
type KeyInfo struct {
	ID              int64  `json:"id"`
	Status          string `json:"status"`
	Key             string `json:"key"`
	ActivationLimit int    `json:"activation_limit"`
	ActivationUsage int    `json:"activation_usage"`
	ExpiresAt       string `json:"expires_at"`
}

// Meta identifies the purchase behind a key.
type Meta struct {
	StoreID       int64  `json:"store_id"`
	OrderID       int64  `json:"order_id"`
	ProductID     int64  `json:"product_id"`
	ProductName   string `json:"product_name"`
	VariantID     int64  `json:"variant_id"`
	VariantName   string `json:"variant_name"`
	CustomerID    int64  `json:"customer_id"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
}

// Result is the outcome of one validation.
type Result struct {
	Valid   bool
	Error   string
	Key     *KeyInfo
	Meta    *Meta
	Checked time.Time
}

type validateResponse struct {
	Valid      *bool    `json:"valid"`
	Error      string   `json:"error"`
	Message    string   `json:"message"`
	LicenseKey *KeyInfo `json:"license_key"`
	Meta       *Meta    `json:"meta"`
}

// Options configures a Validator.
type Options struct {
	URL        string
	InstanceID string
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Logger     *zap.SugaredLogger
}

// Validator checks license keys and caches the answers.
type Validator struct {
	url        string
	instanceID string
	client     *http.Client
	cache      *expirable.LRU[string, Result]
	log        *zap.SugaredLogger
}

// NewValidator returns a Validator with defaults applied.
func NewValidator(opts Options) *Validator {
	if opts.URL == "" {
		opts.URL = DefaultValidateURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Validator{
		url:        opts.URL,
		instanceID: opts.InstanceID,
		client:     opts.HTTPClient,
		cache:      expirable.NewLRU[string, Result](defaultCacheSize, nil, opts.CacheTTL),
		log:        log,
	}
}

// Validate returns the cached result for key or asks the store.
// Transport failures are reported as invalid but not cached.
func (v *Validator) Validate(ctx context.Context, key string) Result {
	key = strings.TrimSpace(key)
	if key == "" {
		return Result{Error: "no license key"}
	}
	if r, ok := v.cache.Get(key); ok {
		return r
	}

	r, err := v.fetch(ctx, key)
	if err != nil {
		v.log.Warnf("license: validation request failed: %v", err)
		return Result{Error: err.Error(), Checked: time.Now()}
	}
	v.cache.Add(key, r)
	if !r.Valid {
		v.log.Infof("license: key rejected: %s", r.Error)
	}
	return r
}

// Valid reports whether key is currently valid.
func (v *Validator) Valid(ctx context.Context, key string) bool {
	return v.Validate(ctx, key).Valid
}

// Invalidate drops every cached result.
func (v *Validator) Invalidate() {
	v.cache.Purge()
}

func (v *Validator) fetch(ctx context.Context, key string) (Result, error) {
	form := url.Values{"license_key": {key}}
	if v.instanceID != "" {
		form.Set("instance_id", v.instanceID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("license server unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read license response: %w", err)
	}
	var data validateResponse
	if err := json.Unmarshal(body, &data); err != nil {
		if resp.StatusCode >= 500 {
			return Result{}, fmt.Errorf("license server returned %s", resp.Status)
		}
		data = validateResponse{}
	}

	now := time.Now()
	if resp.StatusCode < 200 || resp.StatusCode > 299 || (data.Valid != nil && !*data.Valid) {
		msg := data.Error
		if msg == "" {
			msg = data.Message
		}
		if msg == "" {
			msg = fallbackError
		}
		return Result{Error: msg, Checked: now}, nil
	}
	return Result{Valid: true, Key: data.LicenseKey, Meta: data.Meta, Checked: now}, nil
}
