package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func noSleep(context.Context, time.Duration) error { return nil }

func testOptions(baseURL string) PolygonOptions {
	return PolygonOptions{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Timeout: time.Second,
		Retry:   RetryPolicy{Attempts: 3, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Sleep: noSleep},
		Now: func() time.Time {
			return time.Date(2025, 1, 21, 15, 30, 0, 0, time.UTC)
		},
	}
}

func chainHandler(t *testing.T, pages *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apiKey") != "test-key" {
			t.Errorf("缺少 apiKey 参数: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v2/aggs/ticker/SPY/prev":
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "OK", "results": []map[string]any{{"c": 450.0}}})
		case r.URL.Path == "/v3/snapshot/options/SPY" && r.URL.Query().Get("cursor") == "":
			atomic.AddInt32(pages, 1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":   "OK",
				"next_url": "http://" + r.Host + "/v3/snapshot/options/SPY?cursor=abc",
				"results": []map[string]any{{
					"details": map[string]any{
						"ticker":          "O:SPY250221C00450000",
						"strike_price":    450.0,
						"expiration_date": "2025-02-21",
						"contract_type":   "call",
					},
					"greeks":             map[string]any{"delta": 0.52},
					"implied_volatility": 0.21,
					"last_quote":         map[string]any{"bid": 10.0, "ask": 10.2},
					"day":                map[string]any{"volume": 1500},
					"open_interest":      9000,
				}},
			})
		case r.URL.Path == "/v3/snapshot/options/SPY":
			atomic.AddInt32(pages, 1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "OK",
				"results": []map[string]any{
					{
						"details": map[string]any{
							"ticker":          "O:SPY250117P00450000",
							"strike_price":    450.0,
							"expiration_date": "2025-01-17",
							"contract_type":   "put",
						},
						"greeks": map[string]any{"implied_volatility": 0.25, "delta": -0.48},
					},
					{
						"details": map[string]any{"ticker": "broken", "contract_type": "call"},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}
}

func TestPolygonSnapshotFollowsPagination(t *testing.T) {
	var pages int32
	srv := httptest.NewServer(chainHandler(t, &pages))
	defer srv.Close()

	p := NewPolygon(testOptions(srv.URL), nil, noopLogger())
	snap, err := p.Snapshot(context.Background(), "spy")
	if err != nil {
		t.Fatalf("获取期权链失败: %v", err)
	}
	if pages != 2 {
		t.Fatalf("应请求两页, 实际 %d", pages)
	}
	if snap.Ticker != "SPY" || snap.UnderlyingPrice != 450 || snap.Provider != ProviderName {
		t.Fatalf("快照元数据错误: %+v", snap)
	}
	if len(snap.Expiries) != 2 {
		t.Fatalf("应有两个到期日, 实际 %d", len(snap.Expiries))
	}
	if got := snap.Expiries[0].Expiry.Format("2006-01-02"); got != "2025-01-17" {
		t.Fatalf("到期日应升序排列, 首个为 %s", got)
	}
	if snap.Expiries[0].DTE != -4 || snap.Expiries[1].DTE != 31 {
		t.Fatalf("DTE 计算错误: %+v", snap.Expiries)
	}

	call := snap.Expiries[1].Contracts[0]
	if call.IV == nil || *call.IV != 0.21 {
		t.Fatalf("应读取顶层 implied_volatility: %+v", call.IV)
	}
	if call.OpenInterest == nil || *call.OpenInterest != 9000 || call.Volume == nil || *call.Volume != 1500 {
		t.Fatalf("成交量/持仓量解析错误: %+v", call)
	}

	put := snap.Expiries[0].Contracts[0]
	if put.IV == nil || *put.IV != 0.25 {
		t.Fatalf("应回退到 greeks.implied_volatility: %+v", put.IV)
	}
	if put.Bid != nil {
		t.Fatal("缺失的报价应为 nil")
	}
}

func TestPolygonSnapshotNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/prev") {
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{{"c": 450.0}}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ERROR", "error": "Something went wrong"})
	}))
	defer srv.Close()

	p := NewPolygon(testOptions(srv.URL), nil, noopLogger())
	_, err := p.Snapshot(context.Background(), "SPY")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("非 OK 状态应返回 ErrMalformedResponse, 实际 %v", err)
	}
}

func TestPolygonSnapshotMissingPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "OK", "results": []any{}})
	}))
	defer srv.Close()

	p := NewPolygon(testOptions(srv.URL), nil, noopLogger())
	if _, err := p.Snapshot(context.Background(), "SPY"); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("缺少价格应返回错误, 实际 %v", err)
	}
}

func TestPolygonPlanInsufficientIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "NOT_AUTHORIZED"})
	}))
	defer srv.Close()

	p := NewPolygon(testOptions(srv.URL), nil, noopLogger())
	_, err := p.Snapshot(context.Background(), "SPY")
	if !errors.Is(err, ErrPlanInsufficient) {
		t.Fatalf("403 应映射为 ErrPlanInsufficient, 实际 %v", err)
	}
	if !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("错误信息应包含 access denied: %v", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Status != http.StatusForbidden {
		t.Fatalf("应返回 ProviderError: %v", err)
	}
	if calls != 1 {
		t.Fatalf("403 不应重试, 实际请求 %d 次", calls)
	}
}

func TestPolygonRateLimitedIsFatal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewPolygon(testOptions(srv.URL), nil, noopLogger())
	_, err := p.Snapshot(context.Background(), "SPY")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("429 应映射为 ErrRateLimited, 实际 %v", err)
	}
	if calls != 1 {
		t.Fatalf("429 不应重试, 实际请求 %d 次", calls)
	}
}

func TestPolygonRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "OK", "results": []map[string]any{{"c": 99.5}}})
	}))
	defer srv.Close()

	p := NewPolygon(testOptions(srv.URL), nil, noopLogger())
	price, err := p.prevClose(context.Background(), "SPY")
	if err != nil {
		t.Fatalf("第三次应成功: %v", err)
	}
	if price != 99.5 || calls != 3 {
		t.Fatalf("price=%v calls=%d", price, calls)
	}
}

func TestPolygonRetriesAreBounded(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"ERROR","error":"maintenance"}`))
	}))
	defer srv.Close()

	p := NewPolygon(testOptions(srv.URL), nil, noopLogger())
	_, err := p.prevClose(context.Background(), "SPY")
	if err == nil || !strings.Contains(err.Error(), "maintenance") {
		t.Fatalf("应返回服务端错误信息: %v", err)
	}
	if calls != 3 {
		t.Fatalf("应尝试 3 次, 实际 %d", calls)
	}
}

func TestPolygonBreakerOpensAfterFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.Retry.Attempts = 1
	opts.BreakerFailures = 2
	opts.BreakerTimeout = time.Hour
	p := NewPolygon(opts, nil, noopLogger())

	for i := 0; i < 2; i++ {
		_, _ = p.prevClose(context.Background(), "SPY")
	}
	_, err := p.prevClose(context.Background(), "SPY")
	if err == nil || !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Fatalf("熔断器应已打开: %v", err)
	}
	if calls != 2 {
		t.Fatalf("熔断后不应再请求, 实际 %d", calls)
	}
}

func TestPolygonTopLiquidRanksByDollarVolume(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "OK",
			"results": []map[string]any{
				{"T": "AAPL", "c": 150.0, "v": 10000000},
				{"T": "MSFT", "c": 300.0, "v": 8000000},
				{"T": "SPY", "c": 450.0, "v": 20000000},
				{"T": "NVDA", "c": 500.0, "v": 5000000},
				{"T": "BRK.A", "c": 500000.0, "v": 100000},
				{"T": "SPY123", "c": 450.0, "v": 20000000},
			},
		})
	}))
	defer srv.Close()

	p := NewPolygon(testOptions(srv.URL), nil, noopLogger())
	tickers, err := p.TopLiquid(context.Background(), 3)
	if err != nil {
		t.Fatalf("获取流动性排名失败: %v", err)
	}
	want := []string{"SPY", "NVDA", "MSFT"}
	if strings.Join(tickers, ",") != strings.Join(want, ",") {
		t.Fatalf("排名错误: got %v want %v", tickers, want)
	}
	if len(paths) != 1 || paths[0] != "/v2/aggs/grouped/locale/us/market/stocks/2025-01-20" {
		t.Fatalf("应请求前一交易日: %v", paths)
	}
}

func TestPolygonTopLiquidSkipsWeekendsAndEmptyDays(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "OK", "results": []any{}})
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	// Monday: the previous three days are Sun, Sat, Fri.
	opts.Now = func() time.Time { return time.Date(2025, 1, 20, 15, 0, 0, 0, time.UTC) }
	p := NewPolygon(opts, nil, noopLogger())

	tickers, err := p.TopLiquid(context.Background(), 10)
	if err != nil {
		t.Fatalf("空结果不应报错: %v", err)
	}
	if len(tickers) != 0 {
		t.Fatalf("应返回空列表: %v", tickers)
	}
	for _, path := range paths {
		if strings.HasSuffix(path, "2025-01-19") || strings.HasSuffix(path, "2025-01-18") {
			t.Fatalf("不应请求周末: %s", path)
		}
	}
	if len(paths) != 3 {
		t.Fatalf("5 天回溯中应有 3 个交易日, 实际 %v", paths)
	}
}

func TestPolygonTopLiquidNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ERROR", "error": "Something went wrong"})
	}))
	defer srv.Close()

	p := NewPolygon(testOptions(srv.URL), nil, noopLogger())
	if _, err := p.TopLiquid(context.Background(), 10); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("非 OK 状态应返回错误, 实际 %v", err)
	}
}

func TestRetryBackoffIsCapped(t *testing.T) {
	p := DefaultRetryPolicy()
	cases := map[int]time.Duration{1: 2 * time.Second, 2: 4 * time.Second, 3: 8 * time.Second, 4: 10 * time.Second}
	for retry, want := range cases {
		if got := p.Backoff(retry); got != want {
			t.Fatalf("retry %d: got %v want %v", retry, got, want)
		}
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := RetryPolicy{Attempts: 5, MinBackoff: time.Hour}
	cancel()
	_, err := Do(ctx, policy, func(context.Context) (int, error) {
		calls++
		return 0, &ProviderError{Op: "test", Status: http.StatusBadGateway, Err: errors.New("bad gateway")}
	})
	if err == nil || calls != 1 {
		t.Fatalf("取消后不应继续重试: calls=%d err=%v", calls, err)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plan", &ProviderError{Op: "x", Status: 403, Err: ErrPlanInsufficient}, false},
		{"throttled", &ProviderError{Op: "x", Status: 429, Err: ErrRateLimited}, false},
		{"server", &ProviderError{Op: "x", Status: 503, Err: errors.New("down")}, true},
		{"not found", &ProviderError{Op: "x", Status: 404, Err: errors.New("missing")}, false},
		{"timeout", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
