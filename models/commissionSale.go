package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/garment_backend/config"
	"bitbucket.org/mmdatafocus/garment_backend/utils"
	"github.com/shopspring/decimal"
)

// CommissionSale consumes a fabric lot's pending yardage directly, without a
// production record. Sales are terminal: once recorded there is no delete
// or amend path, so the table is a closed ledger.
type CommissionSale struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"index;not null" json:"business_id"`
	SerialNumber     string          `gorm:"size:30;not null" json:"serial_number"`
	FabricLotId      int             `gorm:"index;not null" json:"fabric_lot_id"`
	Yards            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"yards"`
	SaleDate         time.Time       `gorm:"not null" json:"sale_date"`
	UnitPrice        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	CommissionRate   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"commission_rate"`
	CommissionAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"commission_amount"`
	CreatedBy        int             `gorm:"default:0" json:"created_by"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCommissionSale struct {
	FabricLotId    int              `json:"fabric_lot_id" validate:"required"`
	Yards          decimal.Decimal  `json:"yards"`
	SaleDate       time.Time        `json:"sale_date" validate:"required"`
	UnitPrice      *decimal.Decimal `json:"unit_price"`
	CommissionRate decimal.Decimal  `json:"commission_rate"`
}

// NewCommissionSaleBatch records several sales under one serial block
// reservation. One sale date keeps the whole block in a single bucket.
type NewCommissionSaleBatch struct {
	SaleDate time.Time               `json:"sale_date" validate:"required"`
	Lines    []NewCommissionSaleLine `json:"lines" validate:"required,min=1,dive"`
}

type NewCommissionSaleLine struct {
	FabricLotId    int              `json:"fabric_lot_id"`
	Yards          decimal.Decimal  `json:"yards"`
	UnitPrice      *decimal.Decimal `json:"unit_price"`
	CommissionRate decimal.Decimal  `json:"commission_rate"`
}

func validateCommissionLine(lotId int, yards decimal.Decimal, unitPrice *decimal.Decimal, rate decimal.Decimal) error {
	if lotId <= 0 {
		return errors.New("fabric lot is required")
	}
	if !yards.IsPositive() {
		return errors.New("yards must be positive")
	}
	if unitPrice != nil && unitPrice.IsNegative() {
		return errors.New("unit price must not be negative")
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.New("commission rate must be a fraction in [0, 1)")
	}
	return nil
}

func commissionAmount(yards, unitPrice, rate decimal.Decimal) decimal.Decimal {
	return yards.Mul(unitPrice).Mul(rate).Round(4)
}

// CreateCommissionSale records a single sale. The pending check runs under
// the lot's row lock and already excludes prior commission sales.
func CreateCommissionSale(ctx context.Context, input *NewCommissionSale) (*CommissionSale, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if err := validateCommissionLine(input.FabricLotId, input.Yards, input.UnitPrice, input.CommissionRate); err != nil {
		return nil, err
	}

	userId, _ := utils.GetUserIdFromContext(ctx)

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	lots, err := lockFabricLots(tx, businessId, []int{input.FabricLotId})
	if err != nil {
		return nil, err
	}
	lot := lots[input.FabricLotId]

	pending, err := lot.pendingYardsLocked(tx)
	if err != nil {
		return nil, err
	}
	if input.Yards.GreaterThan(pending) {
		return nil, &InsufficientYardageError{
			FabricLotId: lot.ID,
			ItemName:    lot.ItemName,
			Requested:   input.Yards,
			Pending:     pending,
		}
	}

	unitPrice := lot.UnitPrice
	if input.UnitPrice != nil {
		unitPrice = *input.UnitPrice
	}

	serial, err := NextSerial(tx, businessId, SerialTypeCommissionSale, input.SaleDate)
	if err != nil {
		return nil, err
	}

	sale := CommissionSale{
		BusinessId:       businessId,
		SerialNumber:     serial,
		FabricLotId:      lot.ID,
		Yards:            input.Yards,
		SaleDate:         input.SaleDate,
		UnitPrice:        unitPrice,
		CommissionRate:   input.CommissionRate,
		CommissionAmount: commissionAmount(input.Yards, unitPrice, input.CommissionRate),
		CreatedBy:        userId,
	}
	if err := tx.Create(&sale).Error; err != nil {
		config.LogError(config.GetLogger(), "models", "CreateCommissionSale",
			utils.CorrelationIdFromContextOrNew(ctx), input, err)
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &sale, nil
}

// CreateCommissionSales validates every line before committing any: per-lot
// demand is summed and checked against pending yardage, then the whole
// batch gets one block of sequential serials.
func CreateCommissionSales(ctx context.Context, input *NewCommissionSaleBatch) ([]*CommissionSale, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	for i, line := range input.Lines {
		if err := validateCommissionLine(line.FabricLotId, line.Yards, line.UnitPrice, line.CommissionRate); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
	}

	userId, _ := utils.GetUserIdFromContext(ctx)

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	demand := map[int]decimal.Decimal{}
	for _, line := range input.Lines {
		demand[line.FabricLotId] = demand[line.FabricLotId].Add(line.Yards)
	}
	lotIds := make([]int, 0, len(demand))
	for lotId := range demand {
		lotIds = append(lotIds, lotId)
	}
	sort.Ints(lotIds)

	lots, err := lockFabricLots(tx, businessId, lotIds)
	if err != nil {
		return nil, err
	}
	for _, lotId := range lotIds {
		lot := lots[lotId]
		pending, err := lot.pendingYardsLocked(tx)
		if err != nil {
			return nil, err
		}
		if demand[lotId].GreaterThan(pending) {
			return nil, &InsufficientYardageError{
				FabricLotId: lot.ID,
				ItemName:    lot.ItemName,
				Requested:   demand[lotId],
				Pending:     pending,
			}
		}
	}

	serials, err := ReserveSerialBlock(tx, businessId, SerialTypeCommissionSale, input.SaleDate, len(input.Lines))
	if err != nil {
		return nil, err
	}

	sales := make([]*CommissionSale, 0, len(input.Lines))
	for i, line := range input.Lines {
		lot := lots[line.FabricLotId]
		unitPrice := lot.UnitPrice
		if line.UnitPrice != nil {
			unitPrice = *line.UnitPrice
		}
		sale := &CommissionSale{
			BusinessId:       businessId,
			SerialNumber:     serials[i],
			FabricLotId:      lot.ID,
			Yards:            line.Yards,
			SaleDate:         input.SaleDate,
			UnitPrice:        unitPrice,
			CommissionRate:   line.CommissionRate,
			CommissionAmount: commissionAmount(line.Yards, unitPrice, line.CommissionRate),
			CreatedBy:        userId,
		}
		if err := tx.Create(sale).Error; err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return sales, nil
}

func GetCommissionSale(ctx context.Context, id int) (*CommissionSale, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[CommissionSale](ctx, businessId, id)
}

func GetCommissionSales(ctx context.Context) ([]*CommissionSale, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[CommissionSale](ctx, businessId)
}
