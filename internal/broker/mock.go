package broker

import (
	"context"
	"errors"
	"time"
)

// MockBroker is a function-field test double for the Broker interface.
// Unset fields return a zero value and ErrMockUnset so tests fail loudly
// when they exercise an unexpected call.
type MockBroker struct {
	GetBalancesFn              func(ctx context.Context) (*BalanceResponse, error)
	GetPositionsFn             func(ctx context.Context) ([]PositionItem, error)
	GetGainLossFn              func(ctx context.Context) ([]ClosedPosition, error)
	GetUnderlyingQuoteFn       func(ctx context.Context, symbol string) (*QuoteItem, error)
	GetExpirationsFn           func(ctx context.Context, symbol string) ([]string, error)
	GetOptionChainFn           func(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error)
	GetHistoricalDailyClosesFn func(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalDataPoint, error)
	GetMarketClockFn           func(ctx context.Context, delayed bool) (*MarketClockResponse, error)
	IsTradingDayFn             func(ctx context.Context, delayed bool) (bool, error)
	PlaceSpreadOrderFn         func(ctx context.Context, req SpreadOrderRequest) (*OrderAck, error)
	PlaceSingleLegOrderFn      func(ctx context.Context, req SingleLegOrderRequest) (*OrderAck, error)
	GetOrderFn                 func(ctx context.Context, brokerOrderID int) (*OrderItem, error)
	GetAllOrdersFn             func(ctx context.Context) ([]OrderItem, error)

	// SpreadOrders and SingleLegOrders record every placement.
	SpreadOrders    []SpreadOrderRequest
	SingleLegOrders []SingleLegOrderRequest
}

// ErrMockUnset is returned by MockBroker methods without a configured func.
var ErrMockUnset = errors.New("mock broker: method not configured")

var _ Broker = (*MockBroker)(nil)

func (m *MockBroker) GetBalances(ctx context.Context) (*BalanceResponse, error) {
	if m.GetBalancesFn == nil {
		return nil, ErrMockUnset
	}
	return m.GetBalancesFn(ctx)
}

func (m *MockBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	if m.GetPositionsFn == nil {
		return nil, ErrMockUnset
	}
	return m.GetPositionsFn(ctx)
}

func (m *MockBroker) GetGainLoss(ctx context.Context) ([]ClosedPosition, error) {
	if m.GetGainLossFn == nil {
		return nil, ErrMockUnset
	}
	return m.GetGainLossFn(ctx)
}

func (m *MockBroker) GetUnderlyingQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	if m.GetUnderlyingQuoteFn == nil {
		return nil, ErrMockUnset
	}
	return m.GetUnderlyingQuoteFn(ctx, symbol)
}

func (m *MockBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	if m.GetExpirationsFn == nil {
		return nil, ErrMockUnset
	}
	return m.GetExpirationsFn(ctx, symbol)
}

func (m *MockBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	if m.GetOptionChainFn == nil {
		return nil, ErrMockUnset
	}
	return m.GetOptionChainFn(ctx, symbol, expiration, withGreeks)
}

func (m *MockBroker) GetHistoricalDailyCloses(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalDataPoint, error) {
	if m.GetHistoricalDailyClosesFn == nil {
		return nil, ErrMockUnset
	}
	return m.GetHistoricalDailyClosesFn(ctx, symbol, start, end)
}

func (m *MockBroker) GetMarketClock(ctx context.Context, delayed bool) (*MarketClockResponse, error) {
	if m.GetMarketClockFn == nil {
		return nil, ErrMockUnset
	}
	return m.GetMarketClockFn(ctx, delayed)
}

func (m *MockBroker) IsTradingDay(ctx context.Context, delayed bool) (bool, error) {
	if m.IsTradingDayFn == nil {
		return false, ErrMockUnset
	}
	return m.IsTradingDayFn(ctx, delayed)
}

func (m *MockBroker) PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*OrderAck, error) {
	m.SpreadOrders = append(m.SpreadOrders, req)
	if m.PlaceSpreadOrderFn == nil {
		return nil, ErrMockUnset
	}
	return m.PlaceSpreadOrderFn(ctx, req)
}

func (m *MockBroker) PlaceSingleLegOrder(ctx context.Context, req SingleLegOrderRequest) (*OrderAck, error) {
	m.SingleLegOrders = append(m.SingleLegOrders, req)
	if m.PlaceSingleLegOrderFn == nil {
		return nil, ErrMockUnset
	}
	return m.PlaceSingleLegOrderFn(ctx, req)
}

func (m *MockBroker) GetOrder(ctx context.Context, brokerOrderID int) (*OrderItem, error) {
	if m.GetOrderFn == nil {
		return nil, ErrMockUnset
	}
	return m.GetOrderFn(ctx, brokerOrderID)
}

func (m *MockBroker) GetAllOrders(ctx context.Context) ([]OrderItem, error) {
	if m.GetAllOrdersFn == nil {
		return nil, ErrMockUnset
	}
	return m.GetAllOrdersFn(ctx)
}
