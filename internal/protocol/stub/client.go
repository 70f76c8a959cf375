// Package stub provides an in-memory protocol.Client for tests and fixtures.
package stub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"lendfolio/internal/protocol"
)

// Client implements protocol.Client from in-memory maps.
// Errors set in Fail are returned for the matching method and key.
type Client struct {
	mu sync.RWMutex

	Pools         map[string]*protocol.Pool
	Positions     map[string]*protocol.UserPosition // key: pool|user
	Metadata      map[string]*protocol.TokenMetadata
	OracleDecs    map[string]int32
	Prices        map[string]*protocol.OraclePrice // key: oracle|asset
	Backstops     map[string]*protocol.BackstopPool
	UserBackstops map[string]*protocol.UserBackstop // key: pool|user
	Fail          map[string]error                  // key: method|id
	calls         atomic.Int64
}

// NewClient creates an empty stub client.
func NewClient() *Client {
	return &Client{
		Pools:         make(map[string]*protocol.Pool),
		Positions:     make(map[string]*protocol.UserPosition),
		Metadata:      make(map[string]*protocol.TokenMetadata),
		OracleDecs:    make(map[string]int32),
		Prices:        make(map[string]*protocol.OraclePrice),
		Backstops:     make(map[string]*protocol.BackstopPool),
		UserBackstops: make(map[string]*protocol.UserBackstop),
		Fail:          make(map[string]error),
	}
}

func pair(a, b string) string {
	return a + "|" + b
}

// Calls returns the number of method calls served so far.
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

func (c *Client) failure(method, id string) error {
	c.calls.Add(1)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Fail[pair(method, id)]
}

// Pool returns a stored pool.
func (c *Client) Pool(_ context.Context, poolID string) (*protocol.Pool, error) {
	if err := c.failure("Pool", poolID); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.Pools[poolID]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", poolID, protocol.ErrNotFound)
	}
	return p, nil
}

// UserPosition returns a stored position, or an empty one.
func (c *Client) UserPosition(_ context.Context, poolID, user string) (*protocol.UserPosition, error) {
	if err := c.failure("UserPosition", poolID); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.Positions[pair(poolID, user)]; ok {
		return p, nil
	}
	return &protocol.UserPosition{}, nil
}

// TokenMetadata returns stored metadata.
func (c *Client) TokenMetadata(_ context.Context, asset string) (*protocol.TokenMetadata, error) {
	if err := c.failure("TokenMetadata", asset); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.Metadata[asset]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", asset, protocol.ErrNotFound)
	}
	return m, nil
}

// OracleDecimals returns stored oracle decimals.
func (c *Client) OracleDecimals(_ context.Context, oracle string) (int32, error) {
	if err := c.failure("OracleDecimals", oracle); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.OracleDecs[oracle]
	if !ok {
		return 0, fmt.Errorf("oracle %s: %w", oracle, protocol.ErrNotFound)
	}
	return d, nil
}

// OraclePrice returns a stored oracle price.
func (c *Client) OraclePrice(_ context.Context, oracle, asset string) (*protocol.OraclePrice, error) {
	if err := c.failure("OraclePrice", asset); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.Prices[pair(oracle, asset)]
	if !ok {
		return nil, fmt.Errorf("price %s: %w", asset, protocol.ErrNotFound)
	}
	return p, nil
}

// BackstopPool returns a stored backstop pool.
func (c *Client) BackstopPool(_ context.Context, poolID string) (*protocol.BackstopPool, error) {
	if err := c.failure("BackstopPool", poolID); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.Backstops[poolID]
	if !ok {
		return nil, fmt.Errorf("backstop %s: %w", poolID, protocol.ErrNotFound)
	}
	return b, nil
}

// UserBackstop returns a stored user backstop, or an empty one.
func (c *Client) UserBackstop(_ context.Context, poolID, user string) (*protocol.UserBackstop, error) {
	if err := c.failure("UserBackstop", poolID); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if b, ok := c.UserBackstops[pair(poolID, user)]; ok {
		return b, nil
	}
	return &protocol.UserBackstop{}, nil
}

// AddPool stores a pool.
func (c *Client) AddPool(p *protocol.Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pools[p.ID] = p
}

// SetPosition stores a user position.
func (c *Client) SetPosition(poolID, user string, pos *protocol.UserPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Positions[pair(poolID, user)] = pos
}

// AddToken stores token metadata.
func (c *Client) AddToken(m *protocol.TokenMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Metadata[m.Address] = m
}

// SetOracle stores oracle decimals.
func (c *Client) SetOracle(oracle string, decimals int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OracleDecs[oracle] = decimals
}

// SetPrice stores an oracle price.
func (c *Client) SetPrice(oracle, asset string, p *protocol.OraclePrice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prices[pair(oracle, asset)] = p
}

// AddBackstop stores a backstop pool.
func (c *Client) AddBackstop(b *protocol.BackstopPool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Backstops[b.PoolID] = b
}

// SetUserBackstop stores a user's backstop stake.
func (c *Client) SetUserBackstop(poolID, user string, b *protocol.UserBackstop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UserBackstops[pair(poolID, user)] = b
}

// FailOn makes method return err for id (pool id, asset or oracle depending on method).
func (c *Client) FailOn(method, id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Fail[pair(method, id)] = err
}

var _ protocol.Client = (*Client)(nil)
