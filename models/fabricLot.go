package models

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/garment_backend/config"
	"bitbucket.org/mmdatafocus/garment_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FabricLot is one priced line of a received fabric invoice and the unit of
// yardage inventory. YardsSent is immutable once the invoice is created;
// YardsConsumed only moves through the consumption allocator.
// Invariant: 0 <= YardsConsumed <= YardsSent.
type FabricLot struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"index;not null" json:"business_id"`
	FabricInvoiceId int             `gorm:"index;not null" json:"fabric_invoice_id"`
	ItemName        string          `gorm:"size:255;not null" json:"item_name"`
	Color           string          `gorm:"size:100" json:"color"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	YardsSent       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"yards_sent"`
	YardsConsumed   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"yards_consumed"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// lockFabricLots loads the given lots FOR UPDATE in ascending id order
// (stable lock order avoids deadlocks between concurrent allocators).
// All ids must exist or the whole operation fails.
func lockFabricLots(tx *gorm.DB, businessId string, lotIds []int) (map[int]*FabricLot, error) {
	ids := utils.UniqueSlice(lotIds)
	sort.Ints(ids)

	var lots []FabricLot
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id IN ?", businessId, ids).
		Order("id").
		Find(&lots).Error
	if err != nil {
		return nil, err
	}
	if len(lots) != len(ids) {
		return nil, utils.ErrorRecordNotFound
	}

	byId := make(map[int]*FabricLot, len(lots))
	for i := range lots {
		byId[lots[i].ID] = &lots[i]
	}
	return byId, nil
}

// commissionYardsLocked sums prior commission sales against a lot. The SUM
// is a locking read so a concurrent sale committed after our lot lock was
// granted is visible.
func commissionYardsLocked(tx *gorm.DB, businessId string, lotId int) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.Raw(
		"SELECT COALESCE(SUM(yards), 0) FROM commission_sales WHERE business_id = ? AND fabric_lot_id = ? FOR UPDATE",
		businessId, lotId,
	).Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// pendingYardsLocked computes pending = sent - consumed - commission for a
// lot already locked in tx. Commission usage is recomputed from leaf rows,
// never cached.
func (lot *FabricLot) pendingYardsLocked(tx *gorm.DB) (decimal.Decimal, error) {
	commission, err := commissionYardsLocked(tx, lot.BusinessId, lot.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return lot.YardsSent.Sub(lot.YardsConsumed).Sub(commission), nil
}

// addConsumedYards applies a consumption delta (positive on allocation,
// negative on reversal) with an in-database increment; read-modify-write on
// the Go side would race.
func addConsumedYards(tx *gorm.DB, businessId string, lotId int, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	return tx.Exec(
		"UPDATE fabric_lots SET yards_consumed = yards_consumed + ? WHERE business_id = ? AND id = ?",
		delta, businessId, lotId,
	).Error
}

func GetFabricLot(ctx context.Context, id int) (*FabricLot, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, fmt.Errorf("business id is required")
	}
	return utils.FetchModel[FabricLot](ctx, businessId, id)
}

func GetFabricLots(ctx context.Context) ([]*FabricLot, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, fmt.Errorf("business id is required")
	}
	return utils.FetchAllModels[FabricLot](ctx, businessId)
}

// GetFabricLotPendingYards is the read-only pending balance for display and
// pre-checks. The authoritative check happens again under lock at
// allocation time.
func GetFabricLotPendingYards(ctx context.Context, lotId int) (decimal.Decimal, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return decimal.Zero, fmt.Errorf("business id is required")
	}

	db := config.GetDB()

	var lot FabricLot
	if err := db.WithContext(ctx).Where("business_id = ?", businessId).First(&lot, lotId).Error; err != nil {
		return decimal.Zero, utils.ErrorRecordNotFound
	}

	var commission decimal.Decimal
	err := db.WithContext(ctx).Raw(
		"SELECT COALESCE(SUM(yards), 0) FROM commission_sales WHERE business_id = ? AND fabric_lot_id = ?",
		businessId, lotId,
	).Scan(&commission).Error
	if err != nil {
		return decimal.Zero, err
	}

	return lot.YardsSent.Sub(lot.YardsConsumed).Sub(commission), nil
}
