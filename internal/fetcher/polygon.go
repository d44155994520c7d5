package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"forward-factor-alerts/internal/chain"
	"forward-factor-alerts/internal/metrics"
)

// ProviderName is recorded on every snapshot built by this client.
const ProviderName = "polygon"

const (
	prevClosePath    = "/v2/aggs/ticker/%s/prev"
	chainPath        = "/v3/snapshot/options/%s"
	groupedDailyPath = "/v2/aggs/grouped/locale/us/market/stocks/%s"

	defaultPageLimit   = 250
	defaultMaxPages    = 40
	defaultLookback    = 5
	defaultUniverseCap = 100
)

var liquidSymbol = regexp.MustCompile(`^[A-Z]{1,5}$`)

// PolygonOptions parameterise the Polygon client.
type PolygonOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string

	RequestsPerSecond float64
	Burst             int

	Retry           RetryPolicy
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	PageLimit    int
	MaxPages     int
	LookbackDays int

	Now func() time.Time
}

// Polygon fetches option chains and market-wide aggregates from Polygon.io.
type Polygon struct {
	opts    PolygonOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry
}

// NewPolygon constructs a Polygon client.
func NewPolygon(opts PolygonOptions, m *metrics.Registry, logger zerolog.Logger) *Polygon {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.polygon.io"
	}

	if opts.PageLimit <= 0 {
		opts.PageLimit = defaultPageLimit
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = defaultLookback
	}
	if opts.Retry.Attempts <= 0 {
		sleep := opts.Retry.Sleep
		opts.Retry = DefaultRetryPolicy()
		opts.Retry.Sleep = sleep
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	log := logger.With().Str("component", "polygon_fetcher").Logger()
	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ProviderName,
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return &Polygon{
		opts:    opts,
		logger:  log,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		metrics: m,
	}
}

// Snapshot fetches the previous close and every page of the option chain for
// ticker, grouped into expiries.
func (p *Polygon) Snapshot(ctx context.Context, ticker string) (*chain.Snapshot, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, errors.New("ticker is required")
	}
	asOf := p.opts.Now().UTC()

	price, err := p.prevClose(ctx, ticker)
	if err != nil {
		return nil, err
	}

	var contracts []chain.Contract
	next := p.baseURL + fmt.Sprintf(chainPath, url.PathEscape(ticker))
	query := url.Values{"limit": {fmt.Sprint(p.opts.PageLimit)}}
	for page := 0; next != ""; page++ {
		if page >= p.opts.MaxPages {
			p.logger.Warn().Str("ticker", ticker).Int("pages", page).Msg("option chain truncated at page limit")
			break
		}
		var resp chainResponse
		if err := p.get(ctx, "chain_snapshot", next, query, &resp); err != nil {
			return nil, err
		}
		if resp.Status != "OK" {
			return nil, &ProviderError{Op: "chain_snapshot", Err: fmt.Errorf("%w: status %q", ErrMalformedResponse, resp.Status)}
		}
		contracts = append(contracts, parseContracts(resp.Results)...)
		next, query = resp.NextURL, nil
	}

	p.logger.Debug().Str("ticker", ticker).Int("contracts", len(contracts)).Float64("underlying", price).Msg("chain fetched")

	return &chain.Snapshot{
		Ticker:          ticker,
		AsOf:            asOf,
		UnderlyingPrice: price,
		Provider:        ProviderName,
		Expiries:        chain.GroupByExpiry(contracts, asOf),
	}, nil
}

func (p *Polygon) prevClose(ctx context.Context, ticker string) (float64, error) {
	var resp prevResponse
	endpoint := p.baseURL + fmt.Sprintf(prevClosePath, url.PathEscape(ticker))
	if err := p.get(ctx, "prev_close", endpoint, url.Values{"adjusted": {"true"}}, &resp); err != nil {
		return 0, err
	}
	if len(resp.Results) == 0 || resp.Results[0].Close <= 0 {
		return 0, &ProviderError{Op: "prev_close", Err: fmt.Errorf("%w: no price data for %s", ErrMalformedResponse, ticker)}
	}
	return resp.Results[0].Close, nil
}

// TopLiquid ranks common-stock symbols from the most recent grouped daily bars
// by close × volume. Weekends and empty sessions are skipped, looking back a
// bounded number of days.
func (p *Polygon) TopLiquid(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultUniverseCap
	}

	day := p.opts.Now().In(chain.MarketLocation()).AddDate(0, 0, -1)
	for i := 0; i < p.opts.LookbackDays; i, day = i+1, day.AddDate(0, 0, -1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		var resp groupedResponse
		endpoint := p.baseURL + fmt.Sprintf(groupedDailyPath, day.Format(chain.DateLayout))
		if err := p.get(ctx, "grouped_daily", endpoint, url.Values{"adjusted": {"true"}}, &resp); err != nil {
			return nil, err
		}
		if resp.Status != "OK" && resp.Status != "DELAYED" {
			return nil, &ProviderError{Op: "grouped_daily", Err: fmt.Errorf("%w: status %q", ErrMalformedResponse, resp.Status)}
		}
		if len(resp.Results) == 0 {
			continue
		}
		return rankLiquid(resp.Results, limit), nil
	}
	return []string{}, nil
}

func rankLiquid(bars []groupedBar, limit int) []string {
	type ranked struct {
		ticker  string
		dollars float64
	}
	candidates := make([]ranked, 0, len(bars))
	for _, b := range bars {
		if !liquidSymbol.MatchString(b.Ticker) {
			continue
		}
		candidates = append(candidates, ranked{ticker: b.Ticker, dollars: b.Close * b.Volume})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dollars != candidates[j].dollars {
			return candidates[i].dollars > candidates[j].dollars
		}
		return candidates[i].ticker < candidates[j].ticker
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.ticker
	}
	return out
}

// get performs one logical call: rate limited, guarded by the breaker and
// retried on transient failures.
func (p *Polygon) get(ctx context.Context, op, endpoint string, query url.Values, out any) error {
	start := time.Now()
	_, err := Do(ctx, p.opts.Retry, func(ctx context.Context) (struct{}, error) {
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.do(ctx, op, endpoint, query, out)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &ProviderError{Op: op, Err: err}
		}
		return struct{}{}, err
	})
	p.metrics.ProviderCall(op, time.Since(start), err)
	if err != nil {
		p.logger.Debug().Err(err).Str("op", op).Msg("provider call failed")
	}
	return err
}

func (p *Polygon) do(ctx context.Context, op, endpoint string, query url.Values, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return &ProviderError{Op: op, Err: fmt.Errorf("%w: bad url %q", ErrMalformedResponse, endpoint)}
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	q.Set("apiKey", p.opts.APIKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "ffalerts/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Op: op, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp.StatusCode, payload)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return &ProviderError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	return nil
}

func parseContracts(results []optionResult) []chain.Contract {
	contracts := make([]chain.Contract, 0, len(results))
	for _, item := range results {
		expiry, err := chain.ParseDate(item.Details.ExpirationDate)
		if err != nil {
			continue
		}
		var typ chain.OptionType
		switch strings.ToLower(item.Details.ContractType) {
		case "call":
			typ = chain.Call
		case "put":
			typ = chain.Put
		default:
			continue
		}

		iv := item.ImpliedVolatility
		if iv == nil {
			iv = item.Greeks.ImpliedVolatility
		}

		contracts = append(contracts, chain.Contract{
			Symbol:       item.Details.Ticker,
			Strike:       item.Details.StrikePrice,
			Expiry:       expiry,
			Type:         typ,
			Bid:          item.LastQuote.Bid,
			Ask:          item.LastQuote.Ask,
			Last:         item.LastTrade.Price,
			Volume:       toInt(item.Day.Volume),
			OpenInterest: toInt(item.OpenInterest),
			IV:           iv,
			Delta:        item.Greeks.Delta,
			Gamma:        item.Greeks.Gamma,
			Theta:        item.Greeks.Theta,
			Vega:         item.Greeks.Vega,
		})
	}
	return contracts
}

func toInt(v *float64) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func apiMessage(body []byte) string {
	var apiErr struct {
		Status  string `json:"status"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil {
		if apiErr.Error != "" {
			return apiErr.Error
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
	}
	return strings.TrimSpace(string(body))
}

type prevResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Close float64 `json:"c"`
	} `json:"results"`
}

type chainResponse struct {
	Status  string         `json:"status"`
	NextURL string         `json:"next_url"`
	Results []optionResult `json:"results"`
}

type optionResult struct {
	Details struct {
		Ticker         string  `json:"ticker"`
		StrikePrice    float64 `json:"strike_price"`
		ExpirationDate string  `json:"expiration_date"`
		ContractType   string  `json:"contract_type"`
	} `json:"details"`
	Greeks struct {
		ImpliedVolatility *float64 `json:"implied_volatility"`
		Delta             *float64 `json:"delta"`
		Gamma             *float64 `json:"gamma"`
		Theta             *float64 `json:"theta"`
		Vega              *float64 `json:"vega"`
	} `json:"greeks"`
	ImpliedVolatility *float64 `json:"implied_volatility"`
	LastQuote         struct {
		Bid *float64 `json:"bid"`
		Ask *float64 `json:"ask"`
	} `json:"last_quote"`
	LastTrade struct {
		Price *float64 `json:"price"`
	} `json:"last_trade"`
	Day struct {
		Volume *float64 `json:"volume"`
	} `json:"day"`
	OpenInterest *float64 `json:"open_interest"`
}

type groupedResponse struct {
	Status  string       `json:"status"`
	Results []groupedBar `json:"results"`
}

type groupedBar struct {
	Ticker string  `json:"T"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

var (
	_ ChainProvider    = (*Polygon)(nil)
	_ UniverseProvider = (*Polygon)(nil)
)
