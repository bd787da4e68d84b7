// Package storage persists the engine's trades, proposals, orders and
// portfolio state in SQLite.
package storage

import (
	"context"
	"errors"

	"github.com/mscarn/dunder_verticals/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrOrderStatusRegression is returned when an order update would move the
// status backwards or overwrite a terminal status.
var ErrOrderStatusRegression = errors.New("storage: order status regression")

// Interface is the persistence surface used by the engine.
type Interface interface {
	// Trades
	CreateTrade(ctx context.Context, trade *models.Trade) error
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	GetTradeByProposalID(ctx context.Context, proposalID string) (*models.Trade, error)
	ListTradesByStatus(ctx context.Context, statuses ...models.TradeStatus) ([]models.Trade, error)
	UpdateTrade(ctx context.Context, trade *models.Trade) error

	// Proposals
	CreateProposal(ctx context.Context, p *models.Proposal) error
	GetProposal(ctx context.Context, id string) (*models.Proposal, error)
	ListProposalsByStatus(ctx context.Context, status models.ProposalStatus) ([]models.Proposal, error)
	UpdateProposalStatus(ctx context.Context, id string, status models.ProposalStatus) error

	// Orders. UpdateOrder enforces monotonic status advancement: regressions
	// and terminal overwrites fail with ErrOrderStatusRegression.
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrderByClientOrderID(ctx context.Context, clientOrderID string) (*models.Order, error)
	GetOrderByBrokerOrderID(ctx context.Context, brokerOrderID string) (*models.Order, error)
	ListOpenOrders(ctx context.Context) ([]models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error

	// Snapshot sync
	CreateSnapshot(ctx context.Context, s *models.Snapshot) error
	LatestSnapshot(ctx context.Context) (*models.Snapshot, error)
	ReplacePositions(ctx context.Context, snapshotID string, positions []models.PortfolioPosition) error
	ListPositions(ctx context.Context) ([]models.PortfolioPosition, error)
	SaveBalances(ctx context.Context, snapshotID string, b models.Balances) error
	LatestBalances(ctx context.Context) (*models.Balances, error)

	// Settings and risk state key/value stores. Get returns "" without error
	// when the key is unset.
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
	GetRiskValue(ctx context.Context, key string) (string, error)
	SetRiskValue(ctx context.Context, key, value string) error
	DeleteRiskValue(ctx context.Context, key string) error

	// Append-only audit tables
	AppendBrokerEvent(ctx context.Context, e *models.BrokerEvent) error
	ListBrokerEvents(ctx context.Context, limit int) ([]models.BrokerEvent, error)
	AppendSystemLog(ctx context.Context, l *models.SystemLog) error
	ListSystemLogs(ctx context.Context, logType string, limit int) ([]models.SystemLog, error)

	Close() error
}
