// Package demotrader triggers the scripted demo swaps and converts the hook
// events they emitted into event log entries.
package demotrader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"positionkeeper/internal/hook"
	"positionkeeper/internal/model"
	"positionkeeper/internal/retry"
)

const (
	defaultTimeout = 2 * time.Minute
	maxBodyBytes   = 4 << 20
)

// ErrRejected is returned when the endpoint answers with ok=false.
var ErrRejected = errors.New("demo trade rejected")

// Config configures a Client.
type Config struct {
	URL string

	// RatePerMinute paces runs; zero allows one run every ten seconds.
	RatePerMinute float64

	HTTPClient *http.Client
	Retry      *retry.Policy
	Logger     *zap.Logger
	Now        func() time.Time
}

// Client calls the demo-trade endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      *retry.Policy
	logger     *zap.Logger
	now        func() time.Time
}

// Result is a completed run with its events converted.
type Result struct {
	BlockNumber string
	Swaps       int
	TxHashes    []string
	Events      []model.HookEvent
}

type response struct {
	OK     bool                  `json:"ok"`
	Error  string                `json:"error,omitempty"`
	Result model.DemoTradeResult `json:"result"`
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("demo trade returned %d: %s", e.StatusCode, e.Body)
}

// NewClient validates cfg and applies defaults.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("demo trader url is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.NewPolicy(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	return &Client{
		url:        cfg.URL,
		httpClient: cfg.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(perMinute/60.0), 1),
		retry:      cfg.Retry.WithBudget(retry.SubmitBudget),
		logger:     cfg.Logger.With(zap.String("component", "demotrader")),
		now:        cfg.Now,
	}, nil
}

// Run triggers one demo-trade sequence. A run that may have reached the
// endpoint is never repeated; only rate limited answers are retried.
func (c *Client) Run(ctx context.Context) (Result, error) {
	res, err := retry.Do(ctx, c.retry, c.post)
	if err != nil {
		return Result{}, err
	}

	events := ToHookEvents(res.HookEvents, c.now())
	c.logger.Info("demo trade finished",
		zap.String("block", res.BlockNumber),
		zap.Int("swaps", res.Swaps),
		zap.Int("events", len(events)),
	)
	return Result{
		BlockNumber: res.BlockNumber,
		Swaps:       res.Swaps,
		TxHashes:    res.TxHashes,
		Events:      events,
	}, nil
}

func (c *Client) post(ctx context.Context) (model.DemoTradeResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.DemoTradeResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, nil)
	if err != nil {
		return model.DemoTradeResult{}, retry.MarkPermanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.DemoTradeResult{}, fmt.Errorf("post demo trade: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return model.DemoTradeResult{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
		if resp.StatusCode == http.StatusTooManyRequests {
			return model.DemoTradeResult{}, statusErr
		}
		return model.DemoTradeResult{}, retry.MarkPermanent(statusErr)
	}

	var decoded response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return model.DemoTradeResult{}, retry.MarkPermanent(fmt.Errorf("decode response: %w", err))
	}
	if !decoded.OK {
		msg := decoded.Error
		if msg == "" {
			msg = "ok=false"
		}
		return model.DemoTradeResult{}, retry.MarkPermanent(fmt.Errorf("%w: %s", ErrRejected, msg))
	}
	return decoded.Result, nil
}

// ToHookEvents converts wire events in order. A timestamp that does not parse
// falls back to now, and an event without a log index is identified by its
// position in the response.
func ToHookEvents(wire []model.HookEventWire, now time.Time) []model.HookEvent {
	events := make([]model.HookEvent, 0, len(wire))
	for i, w := range wire {
		index := uint64(i)
		if w.LogIndex != nil {
			index = *w.LogIndex
		}
		events = append(events, model.HookEvent{
			ID:           hook.EventID(w.TxHash, index),
			Source:       model.SourceDemoTrader,
			TxHash:       w.TxHash,
			PoolID:       w.PoolID,
			Tick:         w.Tick,
			SqrtPriceX96: canonicalUint(w.SqrtPriceX96),
			TimestampMs:  timestampMs(w.Timestamp, now),
		})
	}
	return events
}

func timestampMs(seconds string, now time.Time) int64 {
	value, ok := new(big.Int).SetString(strings.TrimSpace(seconds), 10)
	if !ok {
		return now.UnixMilli()
	}
	return hook.TimestampMs(value, now.UnixMilli())
}

func canonicalUint(text string) string {
	value, ok := new(big.Int).SetString(strings.TrimSpace(text), 10)
	if !ok {
		return text
	}
	return value.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
