package execution

import (
	"context"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/config"
	"perp-pilot/internal/order"
	"perp-pilot/internal/position"
)

type createCall struct {
	symbol string
	side   string
	amount float64
	price  float64
}

type mockOrderClient struct {
	created   []createCall
	placed    ccxt.Order
	polls     []ccxt.Order
	fetches   int
	cancelled []string
}

func (m *mockOrderClient) CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error) {
	m.created = append(m.created, createCall{symbol: symbol, side: side, amount: amount, price: price})
	return m.placed, nil
}

func (m *mockOrderClient) FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error) {
	m.fetches++
	if len(m.polls) == 0 {
		return m.placed, nil
	}
	next := m.polls[0]
	m.polls = m.polls[1:]
	return next, nil
}

func (m *mockOrderClient) CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error) {
	m.cancelled = append(m.cancelled, id)
	return ccxt.Order{}, nil
}

type stubAccount struct {
	balance position.AccountBalance
}

func (s stubAccount) FetchSnapshot(context.Context) (position.AccountBalance, []position.ExchangePosition, error) {
	return s.balance, nil, nil
}

func strPtr(v string) *string { return &v }

func newLiveBroker(t *testing.T, client *mockOrderClient) *LiveBroker {
	t.Helper()
	b, err := NewLiveBroker(client,
		stubAccount{balance: position.AccountBalance{TotalEquity: 5000, FreeUSD: 3000, Withdrawable: 2500}},
		stubPrices{"BTC": 100},
		map[string]string{"BTC/USDC:USDC": "BTC"},
		nil,
		config.ExecutionConfig{Slippage: 0.01, FillTimeout: 50 * time.Millisecond, FillPollInterval: 5 * time.Millisecond},
		nil,
	)
	require.NoError(t, err)
	return b
}

func TestLiveBrokerImmediateFill(t *testing.T) {
	client := &mockOrderClient{placed: ccxt.Order{
		Id: strPtr("oid-1"), Status: strPtr("closed"), Filled: ptrFloat(0.5), Average: ptrFloat(100.4),
	}}
	b := newLiveBroker(t, client)

	fill, err := b.Submit(context.Background(), order.Order{
		ClientID: "0b7c3a4e-1111-4222-8333-944455556666", Symbol: "BTC", Type: order.TypeMarket, Side: order.SideBuy, Size: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "oid-1", fill.ExchangeOrderID)
	assert.Equal(t, 0.5, fill.FilledSize)
	assert.Equal(t, 100.4, fill.AvgPrice)

	require.Len(t, client.created, 1)
	assert.Equal(t, "BTC/USDC:USDC", client.created[0].symbol)
	assert.Equal(t, "buy", client.created[0].side)
	assert.InDelta(t, 101.0, client.created[0].price, 1e-9, "买单价格为中间价上浮滑点")
	assert.Zero(t, client.fetches)
}

func TestLiveBrokerSellPriceBelowMid(t *testing.T) {
	client := &mockOrderClient{placed: ccxt.Order{Id: strPtr("oid-2"), Status: strPtr("closed"), Filled: ptrFloat(1)}}
	b := newLiveBroker(t, client)

	_, err := b.Submit(context.Background(), order.Order{
		ClientID: "c", Symbol: "BTC", Type: order.TypeMarket, Side: order.SideSell, Size: 1, ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.InDelta(t, 99.0, client.created[0].price, 1e-9)
}

func TestLiveBrokerPollsUntilFilled(t *testing.T) {
	client := &mockOrderClient{
		placed: ccxt.Order{Id: strPtr("oid-3"), Status: strPtr("open"), Filled: ptrFloat(0)},
		polls: []ccxt.Order{
			{Id: strPtr("oid-3"), Status: strPtr("open"), Filled: ptrFloat(0.2)},
			{Id: strPtr("oid-3"), Status: strPtr("closed"), Filled: ptrFloat(1), Average: ptrFloat(100.1)},
		},
	}
	b := newLiveBroker(t, client)

	fill, err := b.Submit(context.Background(), order.Order{
		ClientID: "c", Symbol: "BTC", Type: order.TypeMarket, Side: order.SideBuy, Size: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, fill.FilledSize)
	assert.Equal(t, 100.1, fill.AvgPrice)
	assert.Equal(t, 2, client.fetches)
	assert.Empty(t, client.cancelled)
}

func TestLiveBrokerCancelsAfterTimeout(t *testing.T) {
	client := &mockOrderClient{placed: ccxt.Order{Id: strPtr("oid-4"), Status: strPtr("open"), Filled: ptrFloat(0.3), Price: ptrFloat(101)}}
	b := newLiveBroker(t, client)

	fill, err := b.Submit(context.Background(), order.Order{
		ClientID: "c", Symbol: "BTC", Type: order.TypeMarket, Side: order.SideBuy, Size: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.3, fill.FilledSize)
	assert.Equal(t, []string{"oid-4"}, client.cancelled)
}

func TestLiveBrokerRejectsUnknownSymbol(t *testing.T) {
	b := newLiveBroker(t, &mockOrderClient{})
	_, err := b.Submit(context.Background(), order.Order{
		ClientID: "c", Symbol: "DOGE", Type: order.TypeMarket, Side: order.SideBuy, Size: 1,
	})
	require.Error(t, err)
}

func TestLiveBrokerAccount(t *testing.T) {
	b := newLiveBroker(t, &mockOrderClient{})
	ctx := context.Background()

	equity, err := b.AccountValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, equity)

	margin, err := b.AvailableMargin(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, margin)
}

func TestClientOrderID(t *testing.T) {
	assert.Equal(t, "0x0b7c3a4e111142228333944455556666", clientOrderID("0b7c3a4e-1111-4222-8333-944455556666"))
	assert.Empty(t, clientOrderID("paper"))
}
