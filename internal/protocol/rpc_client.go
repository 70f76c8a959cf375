package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"lendfolio/internal/observability"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 1 * time.Second
	DefaultMaxDelay   = 10 * time.Second
)

// Gateway error code for a pool, user or asset the ledger does not know.
const codeNotFound = -32004

// Backoff is the retry schedule for transient gateway failures: attempt n
// waits Initial × 2^(n-1), capped at Max.
type Backoff struct {
	Retries int
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) delay(retry int) time.Duration {
	d := b.Initial
	for i := 1; i < retry && d < b.Max; i++ {
		d *= 2
	}
	return min(d, b.Max)
}

// HTTPClient reads pool, position, oracle and backstop state from a
// JSON-RPC 2.0 ledger gateway.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	backoff  Backoff
	nextID   atomic.Uint64
}

type ClientOption func(*HTTPClient)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) { c.http.Timeout = d }
}

// WithMaxRetries bounds retries of transient failures. Zero disables retrying.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) { c.backoff.Retries = n }
}

func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) { c.backoff.Initial = d }
}

func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) { c.backoff.Max = d }
}

// NewHTTPClient returns a gateway client for endpoint.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: DefaultTimeout},
		backoff:  Backoff{Retries: DefaultMaxRetries, Initial: DefaultRetryDelay, Max: DefaultMaxDelay},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// transient marks failures worth another attempt: transport errors,
// throttling, non-200 replies and undecodable bodies.
type transient struct{ err error }

func (t transient) Error() string { return t.err.Error() }
func (t transient) Unwrap() error { return t.err }

// call invokes method and decodes its result into out. Gateway-level errors
// are final; transient ones are retried on the client's backoff schedule.
func (c *HTTPClient) call(ctx context.Context, method string, params []any, out any) (err error) {
	start := time.Now()
	defer func() {
		observability.RecordRPCCall(method, time.Since(start).Seconds(), err)
	}()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}

	for retry := 0; ; retry++ {
		if retry > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff.delay(retry)):
			}
		}

		err = c.roundTrip(ctx, method, body, out)
		var t transient
		if !errors.As(err, &t) {
			return err
		}
		if retry >= c.backoff.Retries {
			return fmt.Errorf("%s: gave up after %d attempts: %w", method, retry+1, t.err)
		}
	}
}

func (c *HTTPClient) roundTrip(ctx context.Context, method string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transient{err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	switch {
	case err != nil:
		return transient{err}
	case resp.StatusCode == http.StatusTooManyRequests:
		return transient{errors.New("throttled by gateway")}
	case resp.StatusCode != http.StatusOK:
		return transient{fmt.Errorf("status %d: %s", resp.StatusCode, payload)}
	}

	var reply rpcResponse
	if err := json.Unmarshal(payload, &reply); err != nil {
		return transient{fmt.Errorf("decode reply: %w", err)}
	}
	if reply.Error != nil {
		if reply.Error.Code == codeNotFound {
			return fmt.Errorf("%s: %w", method, ErrNotFound)
		}
		return fmt.Errorf("%s: %w", method, reply.Error)
	}
	if out == nil || reply.Result == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// Pool loads pool configuration and every reserve.
func (c *HTTPClient) Pool(ctx context.Context, poolID string) (*Pool, error) {
	var result poolResult
	if err := c.call(ctx, "getPool", []any{poolID}, &result); err != nil {
		return nil, err
	}

	pool := &Pool{
		ID:           poolID,
		Name:         result.Name,
		Oracle:       result.Oracle,
		BackstopRate: factor(result.BackstopRate),
	}
	for _, r := range result.Reserves {
		res, err := r.decode()
		if err != nil {
			return nil, fmt.Errorf("pool %s reserve %s: %w", poolID, r.Asset, err)
		}
		pool.Reserves = append(pool.Reserves, res)
	}
	return pool, nil
}

type poolResult struct {
	Name         string          `json:"name"`
	Oracle       string          `json:"oracle"`
	BackstopRate string          `json:"backstopRate"`
	Reserves     []reserveResult `json:"reserves"`
}

type reserveResult struct {
	Asset           string          `json:"asset"`
	Index           int             `json:"index"`
	Decimals        int32           `json:"decimals"`
	BRate           string          `json:"bRate"`
	DRate           string          `json:"dRate"`
	CFactor         string          `json:"cFactor"`
	LFactor         string          `json:"lFactor"`
	Utilization     string          `json:"utilization"`
	SupplyAPR       string          `json:"supplyApr"`
	BorrowAPR       string          `json:"borrowApr"`
	BSupply         string          `json:"bSupply"`
	DSupply         string          `json:"dSupply"`
	SupplyEmissions *emissionResult `json:"supplyEmissions"`
	BorrowEmissions *emissionResult `json:"borrowEmissions"`
}

type emissionResult struct {
	EPS         string `json:"eps"`
	Expiration  int64  `json:"expiration"`
	Index       string `json:"index"`
	LastTime    int64  `json:"lastTime"`
	TotalSupply string `json:"totalSupply"`
}

func (r reserveResult) decode() (Reserve, error) {
	res := Reserve{
		Asset:       r.Asset,
		Index:       r.Index,
		Decimals:    r.Decimals,
		CFactor:     factor(r.CFactor),
		LFactor:     factor(r.LFactor),
		Utilization: factor(r.Utilization),
		SupplyAPR:   factor(r.SupplyAPR),
		BorrowAPR:   factor(r.BorrowAPR),
	}

	var err error
	if res.BRate, err = ParseFixed(r.BRate); err != nil {
		return res, err
	}
	if res.DRate, err = ParseFixed(r.DRate); err != nil {
		return res, err
	}
	if res.TotalSupplyBTokens, err = ParseFixed(r.BSupply); err != nil {
		return res, err
	}
	if res.TotalLiabilities, err = ParseFixed(r.DSupply); err != nil {
		return res, err
	}
	res.SupplyEmissions = r.SupplyEmissions.decode()
	res.BorrowEmissions = r.BorrowEmissions.decode()
	return res, nil
}

func (e *emissionResult) decode() *EmissionProgram {
	if e == nil {
		return nil
	}
	return &EmissionProgram{
		EPS:         decimalFloat(e.EPS),
		Expiration:  time.Unix(e.Expiration, 0).UTC(),
		Index:       decimalFloat(e.Index),
		LastTime:    time.Unix(e.LastTime, 0).UTC(),
		TotalSupply: decimalFloat(e.TotalSupply),
	}
}

// UserPosition loads a user's raw balances in a pool.
func (c *HTTPClient) UserPosition(ctx context.Context, poolID, user string) (*UserPosition, error) {
	var result userPositionResult
	if err := c.call(ctx, "getUserPositions", []any{poolID, user}, &result); err != nil {
		return nil, err
	}

	pos := &UserPosition{Emissions: make(map[int]UserEmission, len(result.Emissions))}
	var err error
	if pos.Supply, err = parseBalances(result.Supply); err != nil {
		return nil, fmt.Errorf("supply: %w", err)
	}
	if pos.Collateral, err = parseBalances(result.Collateral); err != nil {
		return nil, fmt.Errorf("collateral: %w", err)
	}
	if pos.Liabilities, err = parseBalances(result.Liabilities); err != nil {
		return nil, fmt.Errorf("liabilities: %w", err)
	}
	for _, e := range result.Emissions {
		pos.Emissions[e.ID] = UserEmission{Index: decimalFloat(e.Index), Accrued: decimalFloat(e.Accrued)}
	}
	return pos, nil
}

type userPositionResult struct {
	Supply      map[string]string    `json:"supply"`
	Collateral  map[string]string    `json:"collateral"`
	Liabilities map[string]string    `json:"liabilities"`
	Emissions   []userEmissionResult `json:"emissions"`
}

type userEmissionResult struct {
	ID      int    `json:"id"`
	Index   string `json:"index"`
	Accrued string `json:"accrued"`
}

func parseBalances(in map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(in))
	for asset, s := range in {
		d, err := ParseFixed(s)
		if err != nil {
			return nil, err
		}
		out[asset] = d
	}
	return out, nil
}

// TokenMetadata loads symbol, name and decimals for an asset.
func (c *HTTPClient) TokenMetadata(ctx context.Context, asset string) (*TokenMetadata, error) {
	var result struct {
		Symbol   string `json:"symbol"`
		Name     string `json:"name"`
		Decimals int32  `json:"decimals"`
	}
	if err := c.call(ctx, "getTokenMetadata", []any{asset}, &result); err != nil {
		return nil, err
	}
	return &TokenMetadata{Address: asset, Symbol: result.Symbol, Name: result.Name, Decimals: result.Decimals}, nil
}

// OracleDecimals returns the decimals used by an oracle.
func (c *HTTPClient) OracleDecimals(ctx context.Context, oracle string) (int32, error) {
	var result int32
	if err := c.call(ctx, "getOracleDecimals", []any{oracle}, &result); err != nil {
		return 0, err
	}
	return result, nil
}

// OraclePrice returns the raw price of asset from an oracle.
func (c *HTTPClient) OraclePrice(ctx context.Context, oracle, asset string) (*OraclePrice, error) {
	var result struct {
		Price     string `json:"price"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := c.call(ctx, "getOraclePrice", []any{oracle, asset}, &result); err != nil {
		return nil, err
	}
	price, err := ParseFixed(result.Price)
	if err != nil {
		return nil, err
	}
	return &OraclePrice{Price: price, Timestamp: time.Unix(result.Timestamp, 0).UTC()}, nil
}

// BackstopPool loads the backstop state for a pool.
func (c *HTTPClient) BackstopPool(ctx context.Context, poolID string) (*BackstopPool, error) {
	var result struct {
		Shares     string          `json:"shares"`
		Tokens     string          `json:"tokens"`
		Q4W        string          `json:"q4w"`
		LPSupply   string          `json:"lpSupply"`
		BLND       string          `json:"blnd"`
		USDC       string          `json:"usdc"`
		BLNDToken  string          `json:"blndToken"`
		USDCToken  string          `json:"usdcToken"`
		Emissions  *emissionResult `json:"emissions"`
		TotalValue string          `json:"totalValue"`
	}
	if err := c.call(ctx, "getBackstopPool", []any{poolID}, &result); err != nil {
		return nil, err
	}
	return &BackstopPool{
		PoolID:     poolID,
		Shares:     decimalFloat(result.Shares),
		Tokens:     decimalFloat(result.Tokens),
		Q4WShares:  decimalFloat(result.Q4W),
		LPSupply:   decimalFloat(result.LPSupply),
		BLND:       decimalFloat(result.BLND),
		USDC:       decimalFloat(result.USDC),
		BLNDToken:  result.BLNDToken,
		USDCToken:  result.USDCToken,
		Emissions:  result.Emissions.decode(),
		TotalValue: decimalFloat(result.TotalValue),
	}, nil
}

// UserBackstop loads a user's backstop stake in a pool.
func (c *HTTPClient) UserBackstop(ctx context.Context, poolID, user string) (*UserBackstop, error) {
	var result struct {
		Shares string `json:"shares"`
		Q4W    []struct {
			Amount     string `json:"amount"`
			Expiration int64  `json:"exp"`
		} `json:"q4w"`
		Emission *userEmissionResult `json:"emission"`
	}
	if err := c.call(ctx, "getUserBackstop", []any{poolID, user}, &result); err != nil {
		return nil, err
	}

	ub := &UserBackstop{Shares: decimalFloat(result.Shares)}
	for _, q := range result.Q4W {
		ub.Q4W = append(ub.Q4W, Q4WEntry{Shares: decimalFloat(q.Amount), Expiration: time.Unix(q.Expiration, 0).UTC()})
	}
	if result.Emission != nil {
		ub.Emission = UserEmission{Index: decimalFloat(result.Emission.Index), Accrued: decimalFloat(result.Emission.Accrued)}
	}
	return ub, nil
}

// factor decodes a 7-decimal fixed point string. Malformed values read as 0.
func factor(s string) float64 {
	d, err := ParseFixed(s)
	if err != nil {
		return 0
	}
	return ToFloat(d, FactorDecimals)
}

// decimalFloat decodes a plain decimal string. Malformed values read as 0.
func decimalFloat(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

var _ Client = (*HTTPClient)(nil)
