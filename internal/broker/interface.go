package broker

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/sony/gobreaker"
)

// Broker defines the interface for interacting with a brokerage.
type Broker interface {
	// Account operations
	GetBalances(ctx context.Context) (*BalanceResponse, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)
	GetGainLoss(ctx context.Context) ([]ClosedPosition, error)

	// Market data
	GetUnderlyingQuote(ctx context.Context, symbol string) (*QuoteItem, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error)
	GetHistoricalDailyCloses(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalDataPoint, error)
	GetMarketClock(ctx context.Context, delayed bool) (*MarketClockResponse, error)
	IsTradingDay(ctx context.Context, delayed bool) (bool, error)

	// Order placement
	// PlaceSpreadOrder: limitPrice is the net credit/debit for the whole spread.
	// The request tag carries the client order id used for reconciliation.
	PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*OrderAck, error)
	PlaceSingleLegOrder(ctx context.Context, req SingleLegOrderRequest) (*OrderAck, error)

	// Order status
	GetOrder(ctx context.Context, brokerOrderID int) (*OrderItem, error)
	GetAllOrders(ctx context.Context) ([]OrderItem, error)
}

// isPermanentAPIError checks if an error is a permanent API error that will not
// succeed on retry. 429 is the one 4xx worth retrying.
func isPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// ComputeIVR calculates implied volatility rank over a historical window.
// Returns a value in [0, 100].
func ComputeIVR(currentIV float64, historicalIVs []float64) float64 {
	if math.IsNaN(currentIV) || math.IsInf(currentIV, 0) {
		return 0
	}

	clean := make([]float64, 0, len(historicalIVs))
	for _, v := range historicalIVs {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return 0
	}

	minIV := clean[0]
	maxIV := clean[0]
	for _, iv := range clean {
		if iv < minIV {
			minIV = iv
		}
		if iv > maxIV {
			maxIV = iv
		}
	}

	if maxIV == minIV {
		return 0
	}
	r := ((currentIV - minIV) / (maxIV - minIV)) * 100
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}

// GetOptionByStrike finds an option with a specific strike price and type.
func GetOptionByStrike(options []Option, strike float64, optionType string) *Option {
	for i := range options {
		if math.Abs(options[i].Strike-strike) <= 1e-4 && options[i].OptionType == optionType {
			return &options[i]
		}
	}
	return nil
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Permanent 4xx responses are request problems, not broker
			// unhealth; they must not open the circuit.
			return err == nil || isPermanentAPIError(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// GetBalances wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetBalances(ctx context.Context) (*BalanceResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*BalanceResponse, error) {
		return b.GetBalances(ctx)
	})
}

// GetPositions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) {
		return b.GetPositions(ctx)
	})
}

// GetGainLoss wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetGainLoss(ctx context.Context) ([]ClosedPosition, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]ClosedPosition, error) {
		return b.GetGainLoss(ctx)
	})
}

// GetUnderlyingQuote wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetUnderlyingQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteItem, error) {
		return b.GetUnderlyingQuote(ctx, symbol)
	})
}

// GetExpirations wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) {
		return b.GetExpirations(ctx, symbol)
	})
}

// GetOptionChain wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Option, error) {
		return b.GetOptionChain(ctx, symbol, expiration, withGreeks)
	})
}

// GetHistoricalDailyCloses wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetHistoricalDailyCloses(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalDataPoint, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]HistoricalDataPoint, error) {
		return b.GetHistoricalDailyCloses(ctx, symbol, start, end)
	})
}

// GetMarketClock wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetMarketClock(ctx context.Context, delayed bool) (*MarketClockResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketClockResponse, error) {
		return b.GetMarketClock(ctx, delayed)
	})
}

// IsTradingDay wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) IsTradingDay(ctx context.Context, delayed bool) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.IsTradingDay(ctx, delayed)
	})
}

// PlaceSpreadOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*OrderAck, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderAck, error) {
		return b.PlaceSpreadOrder(ctx, req)
	})
}

// PlaceSingleLegOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceSingleLegOrder(ctx context.Context, req SingleLegOrderRequest) (*OrderAck, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderAck, error) {
		return b.PlaceSingleLegOrder(ctx, req)
	})
}

// GetOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, brokerOrderID int) (*OrderItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderItem, error) {
		return b.GetOrder(ctx, brokerOrderID)
	})
}

// GetAllOrders wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetAllOrders(ctx context.Context) ([]OrderItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OrderItem, error) {
		return b.GetAllOrders(ctx)
	})
}
