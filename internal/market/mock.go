package market

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/events"
)

// MockFeed generates synthetic prices for local development and tests.
type MockFeed struct {
	Bus        *events.Bus
	Symbols    []string
	StartPrice decimal.Decimal
	Step       float64 // max relative move per tick, e.g. 0.002
	Interval   time.Duration
	Log        *zap.Logger

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	fail   map[string]error
	rng    *rand.Rand
}

// Set pins the price of symbol.
func (m *MockFeed) Set(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.prices[strings.ToUpper(symbol)] = price
}

// Fail makes lookups for symbol return err until cleared with a nil err.
func (m *MockFeed) Fail(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if err == nil {
		delete(m.fail, strings.ToUpper(symbol))
		return
	}
	m.fail[strings.ToUpper(symbol)] = err
}

// Price implements Accessor; the exchange name is ignored.
func (m *MockFeed) Price(ctx context.Context, _ string, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	sym := strings.ToUpper(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if err, ok := m.fail[sym]; ok {
		return decimal.Zero, fmt.Errorf("%w: %s: %w", ErrUnavailable, sym, err)
	}
	p, ok := m.prices[sym]
	if !ok {
		p = m.StartPrice
		if !p.IsPositive() {
			p = decimal.NewFromInt(100)
		}
		m.prices[sym] = p
	}
	return p, nil
}

// Start random-walks every configured symbol each interval and publishes ticks.
func (m *MockFeed) Start(ctx context.Context) {
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"BTCUSDT"}
	}
	if m.Step == 0 {
		m.Step = 0.002
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}
	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}
	for _, sym := range m.Symbols {
		_, _ = m.Price(ctx, "", sym)
	}
	log.Info("mock price feed started", zap.Strings("symbols", m.Symbols), zap.Duration("interval", m.Interval))

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, sym := range m.Symbols {
					p := m.step(sym)
					if m.Bus != nil {
						m.Bus.Publish(events.EventPriceTick, "", Tick{Exchange: "mock", Symbol: sym, Price: p, At: time.Now().UTC()})
					}
				}
			}
		}
	}()
}

func (m *MockFeed) step(symbol string) decimal.Decimal {
	sym := strings.ToUpper(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	p := m.prices[sym]
	move := decimal.NewFromFloat((m.rng.Float64()*2 - 1) * m.Step)
	next := p.Mul(decimal.NewFromInt(1).Add(move)).Round(8)
	if next.IsPositive() {
		m.prices[sym] = next
	}
	return m.prices[sym]
}

func (m *MockFeed) init() {
	if m.prices == nil {
		m.prices = make(map[string]decimal.Decimal)
	}
	if m.fail == nil {
		m.fail = make(map[string]error)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}
