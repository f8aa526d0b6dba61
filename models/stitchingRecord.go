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
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConsumptionAllocation is one unit of reserved yardage: it ties exactly one
// stitching record to exactly one fabric lot (or, for lining, to a free-text
// material name). UnitPrice is a snapshot taken at allocation time so
// historical billing totals stay stable if a lot's price is later edited.
type ConsumptionAllocation struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"index;not null" json:"business_id"`
	StitchingRecordId int             `gorm:"index;not null" json:"stitching_record_id"`
	Role              AllocationRole  `gorm:"type:enum('primary','secondary','lining');not null" json:"role"`
	FabricLotId       int             `gorm:"index;default:0" json:"fabric_lot_id"`
	LiningName        string          `gorm:"size:255" json:"lining_name"`
	Yards             decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"yards"`
	UnitPrice         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Cost              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cost"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// StitchingRecord is one garment-production event. It owns its consumption
// allocations; fabric cost and stitching value are independent (TotalValue
// comes from size quantities and the stitching price, not allocation cost).
//
// Lifecycle: Unpacked -> Packed (PackingListId set) -> Billed
// (BillingGroupId set). Amending is blocked once billed; deleting requires
// the record to be neither packed nor billed and reverses every allocation.
type StitchingRecord struct {
	ID             int    `gorm:"primary_key" json:"id"`
	BusinessId     string `gorm:"index;not null" json:"business_id"`
	SerialNumber   string `gorm:"size:30;not null" json:"serial_number"`
	ItemName       string `gorm:"size:255;not null" json:"item_name"`
	StitchDate     time.Time `gorm:"not null" json:"stitch_date"`
	SizeQuantities `gorm:"embedded"`
	UnitPrice      decimal.Decimal         `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	HasVat         bool                    `gorm:"default:false" json:"has_vat"`
	TotalValue     decimal.Decimal         `gorm:"type:decimal(20,4);default:0" json:"total_value"`
	PackingListId  int                     `gorm:"index;default:0" json:"packing_list_id"`
	BillingGroupId int                     `gorm:"index;default:0" json:"billing_group_id"`
	CreatedBy      int                     `gorm:"default:0" json:"created_by"`
	Allocations    []ConsumptionAllocation `gorm:"foreignKey:StitchingRecordId" json:"allocations"`
	CreatedAt      time.Time               `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time               `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *StitchingRecord) IsPacked() bool { return r.PackingListId > 0 }
func (r *StitchingRecord) IsBilled() bool { return r.BillingGroupId > 0 }

type NewFabricConsumption struct {
	FabricLotId int             `json:"fabric_lot_id"`
	Yards       decimal.Decimal `json:"yards"`
}

type NewLiningConsumption struct {
	Name      string          `json:"name"`
	Yards     decimal.Decimal `json:"yards"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type NewStitchingRecord struct {
	ItemName    string                 `json:"item_name" validate:"required"`
	StitchDate  time.Time              `json:"stitch_date" validate:"required"`
	Sizes       SizeQuantities         `json:"sizes"`
	UnitPrice   decimal.Decimal        `json:"unit_price"`
	HasVat      bool                   `json:"has_vat"`
	Primary     NewFabricConsumption   `json:"primary"`
	Secondaries []NewFabricConsumption `json:"secondaries"`
	Linings     []NewLiningConsumption `json:"linings"`
}

func (input *NewStitchingRecord) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if err := input.Sizes.validate(); err != nil {
		return err
	}
	if input.Sizes.Total() <= 0 {
		return errors.New("at least one garment quantity is required")
	}
	if input.UnitPrice.IsNegative() {
		return errors.New("unit price must not be negative")
	}
	if input.Primary.FabricLotId <= 0 {
		return errors.New("a primary fabric lot is required")
	}
	if !input.Primary.Yards.IsPositive() {
		return errors.New("primary fabric yards must be positive")
	}
	for i, sec := range input.Secondaries {
		if sec.FabricLotId <= 0 {
			return fmt.Errorf("secondary fabric %d: fabric lot is required", i+1)
		}
		if !sec.Yards.IsPositive() {
			return fmt.Errorf("secondary fabric %d: yards must be positive", i+1)
		}
	}
	for i, lin := range input.Linings {
		if lin.Name == "" {
			return fmt.Errorf("lining %d: material name is required", i+1)
		}
		if !lin.Yards.IsPositive() {
			return fmt.Errorf("lining %d: yards must be positive", i+1)
		}
		if lin.UnitPrice.IsNegative() {
			return fmt.Errorf("lining %d: unit price must not be negative", i+1)
		}
	}
	return nil
}

// fabricDemand sums requested yardage per lot. The same lot may appear as
// primary and secondary; the pending check runs against the summed demand.
func (input *NewStitchingRecord) fabricDemand() map[int]decimal.Decimal {
	demand := map[int]decimal.Decimal{
		input.Primary.FabricLotId: input.Primary.Yards,
	}
	for _, sec := range input.Secondaries {
		demand[sec.FabricLotId] = demand[sec.FabricLotId].Add(sec.Yards)
	}
	return demand
}

func computeStitchingTotalValue(unitPrice decimal.Decimal, totalQty int, hasVat bool) decimal.Decimal {
	value := unitPrice.Mul(decimal.NewFromInt(int64(totalQty)))
	if hasVat {
		value = utils.ApplyVat(value)
	}
	return value
}

// checkFabricDemand verifies requested <= pending per locked lot,
// all-or-nothing: the first failing lot aborts the whole allocation.
func checkFabricDemand(tx *gorm.DB, lots map[int]*FabricLot, demand map[int]decimal.Decimal) error {
	lotIds := make([]int, 0, len(demand))
	for lotId := range demand {
		lotIds = append(lotIds, lotId)
	}
	sort.Ints(lotIds)

	for _, lotId := range lotIds {
		requested := demand[lotId]
		if !requested.IsPositive() {
			continue
		}
		lot := lots[lotId]
		pending, err := lot.pendingYardsLocked(tx)
		if err != nil {
			return err
		}
		if requested.GreaterThan(pending) {
			return &InsufficientYardageError{
				FabricLotId: lot.ID,
				ItemName:    lot.ItemName,
				Requested:   requested,
				Pending:     pending,
			}
		}
	}
	return nil
}

func applyFabricDemand(tx *gorm.DB, businessId string, demand map[int]decimal.Decimal) error {
	lotIds := make([]int, 0, len(demand))
	for lotId := range demand {
		lotIds = append(lotIds, lotId)
	}
	sort.Ints(lotIds)

	for _, lotId := range lotIds {
		if err := addConsumedYards(tx, businessId, lotId, demand[lotId]); err != nil {
			return err
		}
	}
	return nil
}

// CreateStitchingRecord atomically reserves yardage for the primary fabric,
// every secondary fabric, and every lining, then persists the production
// record with price-snapshotted allocations. If any single component lacks
// pending yardage, nothing is committed.
func CreateStitchingRecord(ctx context.Context, input *NewStitchingRecord) (*StitchingRecord, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(); err != nil {
		return nil, err
	}

	userId, _ := utils.GetUserIdFromContext(ctx)

	tx := db.Begin()
	// IMPORTANT: always rollback on early-return or panic to avoid leaking DB
	// locks (leaked transactions cause MySQL 1205 lock wait timeouts).
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	demand := input.fabricDemand()
	lotIds := make([]int, 0, len(demand))
	for lotId := range demand {
		lotIds = append(lotIds, lotId)
	}

	lots, err := lockFabricLots(tx, businessId, lotIds)
	if err != nil {
		return nil, err
	}
	if err := checkFabricDemand(tx, lots, demand); err != nil {
		return nil, err
	}
	if err := applyFabricDemand(tx, businessId, demand); err != nil {
		return nil, err
	}

	serial, err := NextSerial(tx, businessId, SerialTypeStitchingRecord, input.StitchDate)
	if err != nil {
		return nil, err
	}

	record := StitchingRecord{
		BusinessId:     businessId,
		SerialNumber:   serial,
		ItemName:       input.ItemName,
		StitchDate:     input.StitchDate,
		SizeQuantities: input.Sizes,
		UnitPrice:      input.UnitPrice,
		HasVat:         input.HasVat,
		TotalValue:     computeStitchingTotalValue(input.UnitPrice, input.Sizes.Total(), input.HasVat),
		CreatedBy:      userId,
	}

	record.Allocations = append(record.Allocations, newFabricAllocation(
		businessId, AllocationRolePrimary, input.Primary, lots[input.Primary.FabricLotId].UnitPrice))
	for _, sec := range input.Secondaries {
		record.Allocations = append(record.Allocations, newFabricAllocation(
			businessId, AllocationRoleSecondary, sec, lots[sec.FabricLotId].UnitPrice))
	}
	for _, lin := range input.Linings {
		record.Allocations = append(record.Allocations, ConsumptionAllocation{
			BusinessId: businessId,
			Role:       AllocationRoleLining,
			LiningName: lin.Name,
			Yards:      lin.Yards,
			UnitPrice:  lin.UnitPrice,
			Cost:       lin.Yards.Mul(lin.UnitPrice),
		})
	}

	if err := tx.Create(&record).Error; err != nil {
		config.LogError(config.GetLogger(), "models", "CreateStitchingRecord",
			utils.CorrelationIdFromContextOrNew(ctx), input, err)
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &record, nil
}

func newFabricAllocation(businessId string, role AllocationRole, c NewFabricConsumption, snapshotPrice decimal.Decimal) ConsumptionAllocation {
	return ConsumptionAllocation{
		BusinessId:  businessId,
		Role:        role,
		FabricLotId: c.FabricLotId,
		Yards:       c.Yards,
		UnitPrice:   snapshotPrice,
		Cost:        c.Yards.Mul(snapshotPrice),
	}
}

// UpdateStitchingRecord amends a record's consumption delta-based: per lot,
// delta = newYards - oldYards is applied to the ledger. A blind overwrite
// would lose yardage reserved concurrently by other allocations.
// Amending is allowed while packed but blocked once the record is billed.
func UpdateStitchingRecord(ctx context.Context, id int, input *NewStitchingRecord) (*StitchingRecord, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(); err != nil {
		return nil, err
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	// Lock the record row first so concurrent amends of the same record
	// serialize before any lot is touched.
	var record StitchingRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&record, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if record.IsBilled() {
		return nil, &RecordLockedError{Entity: "stitching record", Id: record.ID, Reason: "record is billed"}
	}

	var oldAllocations []ConsumptionAllocation
	if err := tx.Where("business_id = ? AND stitching_record_id = ?", businessId, record.ID).
		Find(&oldAllocations).Error; err != nil {
		return nil, err
	}

	oldDemand := map[int]decimal.Decimal{}
	oldSnapshot := map[string]decimal.Decimal{} // key: role-lotId
	for _, alloc := range oldAllocations {
		if !alloc.Role.IsFabric() {
			continue
		}
		oldDemand[alloc.FabricLotId] = oldDemand[alloc.FabricLotId].Add(alloc.Yards)
		key := fmt.Sprintf("%s-%d", alloc.Role, alloc.FabricLotId)
		if _, seen := oldSnapshot[key]; !seen {
			oldSnapshot[key] = alloc.UnitPrice
		}
	}

	newDemand := input.fabricDemand()

	lotIds := make([]int, 0, len(oldDemand)+len(newDemand))
	for lotId := range oldDemand {
		lotIds = append(lotIds, lotId)
	}
	for lotId := range newDemand {
		lotIds = append(lotIds, lotId)
	}
	lots, err := lockFabricLots(tx, businessId, lotIds)
	if err != nil {
		return nil, err
	}

	delta := map[int]decimal.Decimal{}
	for lotId, yards := range newDemand {
		delta[lotId] = yards.Sub(oldDemand[lotId])
	}
	for lotId, yards := range oldDemand {
		if _, stillUsed := newDemand[lotId]; !stillUsed {
			delta[lotId] = yards.Neg()
		}
	}

	// Only growth needs a pending check. Pending counts this record's old
	// yards as consumed, so pending is exactly the extra room available on
	// top of them; shrinking always fits.
	growth := map[int]decimal.Decimal{}
	for lotId, d := range delta {
		if d.IsPositive() {
			growth[lotId] = d
		}
	}
	if err := checkFabricDemand(tx, lots, growth); err != nil {
		return nil, err
	}
	if err := applyFabricDemand(tx, businessId, delta); err != nil {
		return nil, err
	}

	// Replace allocation rows. Fabric components that survive the amend keep
	// their original price snapshot; newly referenced lots snapshot the
	// current lot price. Lining prices come from the stitcher's input.
	if err := tx.Where("business_id = ? AND stitching_record_id = ?", businessId, record.ID).
		Delete(&ConsumptionAllocation{}).Error; err != nil {
		return nil, err
	}

	snapshotFor := func(role AllocationRole, c NewFabricConsumption) decimal.Decimal {
		if price, ok := oldSnapshot[fmt.Sprintf("%s-%d", role, c.FabricLotId)]; ok {
			return price
		}
		return lots[c.FabricLotId].UnitPrice
	}

	newAllocations := []ConsumptionAllocation{
		newFabricAllocation(businessId, AllocationRolePrimary, input.Primary,
			snapshotFor(AllocationRolePrimary, input.Primary)),
	}
	for _, sec := range input.Secondaries {
		newAllocations = append(newAllocations, newFabricAllocation(
			businessId, AllocationRoleSecondary, sec, snapshotFor(AllocationRoleSecondary, sec)))
	}
	for _, lin := range input.Linings {
		newAllocations = append(newAllocations, ConsumptionAllocation{
			BusinessId: businessId,
			Role:       AllocationRoleLining,
			LiningName: lin.Name,
			Yards:      lin.Yards,
			UnitPrice:  lin.UnitPrice,
			Cost:       lin.Yards.Mul(lin.UnitPrice),
		})
	}
	for i := range newAllocations {
		newAllocations[i].StitchingRecordId = record.ID
	}
	if err := tx.Create(&newAllocations).Error; err != nil {
		return nil, err
	}

	record.ItemName = input.ItemName
	record.StitchDate = input.StitchDate
	record.SizeQuantities = input.Sizes
	record.UnitPrice = input.UnitPrice
	record.HasVat = input.HasVat
	record.TotalValue = computeStitchingTotalValue(input.UnitPrice, input.Sizes.Total(), input.HasVat)
	if err := tx.Omit(clause.Associations).Save(&record).Error; err != nil {
		return nil, err
	}

	if record.IsPacked() {
		if err := recomputePackingListTotals(tx, businessId, record.PackingListId); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	record.Allocations = newAllocations
	return &record, nil
}

// DeleteStitchingRecord fully reverses a record's allocations and removes
// it. The record must be neither packed nor billed. Each allocation row is
// deleted only after its yardage is returned to the lot, all inside one
// transaction, so a retry after a crash reverses only rows still present
// and never double-subtracts.
func DeleteStitchingRecord(ctx context.Context, id int) (*StitchingRecord, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var record StitchingRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&record, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if record.IsBilled() {
		return nil, &RecordLockedError{Entity: "stitching record", Id: record.ID, Reason: "record is billed"}
	}
	if record.IsPacked() {
		return nil, &RecordLockedError{Entity: "stitching record", Id: record.ID, Reason: "record is packed"}
	}

	// The allocation rows still present are the authoritative undo list;
	// rows already reversed by an earlier partial run are gone.
	var allocations []ConsumptionAllocation
	if err := tx.Where("business_id = ? AND stitching_record_id = ?", businessId, record.ID).
		Find(&allocations).Error; err != nil {
		return nil, err
	}

	var lotIds []int
	for _, alloc := range allocations {
		if alloc.Role.IsFabric() {
			lotIds = append(lotIds, alloc.FabricLotId)
		}
	}

	remaining := map[int]decimal.Decimal{}
	if len(lotIds) > 0 {
		lots, err := lockFabricLots(tx, businessId, lotIds)
		if err != nil {
			return nil, err
		}
		for lotId, lot := range lots {
			remaining[lotId] = lot.YardsConsumed
		}
	}

	for _, alloc := range allocations {
		if alloc.Role.IsFabric() {
			if alloc.Yards.GreaterThan(remaining[alloc.FabricLotId]) {
				return nil, fmt.Errorf("fabric lot %d: reversal of %s yards exceeds consumed balance %s",
					alloc.FabricLotId, alloc.Yards.String(), remaining[alloc.FabricLotId].String())
			}
			if err := addConsumedYards(tx, businessId, alloc.FabricLotId, alloc.Yards.Neg()); err != nil {
				return nil, err
			}
			remaining[alloc.FabricLotId] = remaining[alloc.FabricLotId].Sub(alloc.Yards)
		}
		// Row removal strictly after the ledger effect, same transaction.
		if err := tx.Delete(&ConsumptionAllocation{}, alloc.ID).Error; err != nil {
			return nil, err
		}
	}

	if err := tx.Delete(&StitchingRecord{}, record.ID).Error; err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		config.LogError(config.GetLogger(), "models", "DeleteStitchingRecord",
			utils.CorrelationIdFromContextOrNew(ctx), id, err)
		return nil, err
	}

	record.Allocations = allocations
	return &record, nil
}

func GetStitchingRecord(ctx context.Context, id int) (*StitchingRecord, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[StitchingRecord](ctx, businessId, id, "Allocations")
}

func GetStitchingRecords(ctx context.Context) ([]*StitchingRecord, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[StitchingRecord](ctx, businessId, "Allocations")
}
