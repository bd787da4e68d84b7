package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func breakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  1,
		MinRequests:  3,
		FailureRatio: 0.5,
	}
}

func TestBreakerOpensOnTransportFailures(t *testing.T) {
	mock := &MockBroker{
		GetBalancesFn: func(context.Context) (*BalanceResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	cb := NewCircuitBreakerBrokerWithSettings(mock, breakerSettings())

	var last error
	for i := 0; i < 10; i++ {
		_, last = cb.GetBalances(context.Background())
	}
	require.Error(t, last)
	assert.ErrorIs(t, last, gobreaker.ErrOpenState)
}

func TestBreakerStaysClosedOnPermanentAPIErrors(t *testing.T) {
	mock := &MockBroker{
		GetBalancesFn: func(context.Context) (*BalanceResponse, error) {
			return nil, &APIError{Status: 404, Body: "account not found"}
		},
	}
	cb := NewCircuitBreakerBrokerWithSettings(mock, breakerSettings())

	// A 4xx is the request's fault; every call must still reach the broker.
	var last error
	for i := 0; i < 10; i++ {
		_, last = cb.GetBalances(context.Background())
	}
	require.Error(t, last)
	var apiErr *APIError
	require.ErrorAs(t, last, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}
