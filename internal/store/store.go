// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/birdbathd/tranche-engine/internal/models"
)

// TrancheStore defines the persistence contract for tranches and their
// append-only audit log.
type TrancheStore interface {
	// Tranches
	CreateTranche(ctx context.Context, t *models.Tranche) error
	GetTranche(ctx context.Context, id string) (*models.Tranche, error)
	GetActiveTranches(ctx context.Context, symbol string, side models.Side) ([]*models.Tranche, error)
	GetIsolatedTranches(ctx context.Context, symbol string, side models.Side) ([]*models.Tranche, error)
	GetAllTranchesForSymbol(ctx context.Context, symbol string) ([]*models.Tranche, error)
	UpdateTranche(ctx context.Context, id string, fields map[string]interface{}) error
	UpdateTrancheUnrealizedPnl(ctx context.Context, id string, pnl float64) error
	IsolateTranche(ctx context.Context, id string, price float64) error
	CloseTranche(ctx context.Context, id string, exitPrice, realizedPnl float64, orderID string) error
	LiquidateTranche(ctx context.Context, id string, liquidationPrice float64) error

	// Audit log
	LogTrancheEvent(ctx context.Context, ev *models.TrancheEvent) error
	GetTrancheHistory(ctx context.Context, trancheID string) ([]models.TrancheEvent, error)

	// Maintenance
	CleanupOldTranches(ctx context.Context, daysToKeep int) (int64, error)
	GetTrancheStats(ctx context.Context) (*TrancheStats, error)

	// Lifecycle
	Close() error
}

// TrancheStats aggregates tranche outcomes across all symbols.
type TrancheStats struct {
	TotalTranches    int
	ActiveTranches   int
	IsolatedTranches int
	ClosedTranches   int
	Liquidated       int
	TotalRealizedPnl float64
	WinningTranches  int
	LosingTranches   int
	OldestActive     time.Time
}

// WinRate returns the fraction of closed tranches with positive realized P&L.
func (s *TrancheStats) WinRate() float64 {
	decided := s.WinningTranches + s.LosingTranches
	if decided == 0 {
		return 0
	}
	return float64(s.WinningTranches) / float64(decided)
}
