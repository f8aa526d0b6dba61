package models

import (
	"context"
	"errors"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/garment_backend/config"
	"bitbucket.org/mmdatafocus/garment_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BillingGroup groups stitching records (directly or via their packing
// lists) for one customer invoice. Records joining a group become immutable
// until the group is deleted. The stored totals are a display cache; every
// totals read recomputes from the leaf allocations and records.
type BillingGroup struct {
	ID                 int               `gorm:"primary_key" json:"id"`
	BusinessId         string            `gorm:"index;not null" json:"business_id"`
	SerialNumber       string            `gorm:"size:30;not null" json:"serial_number"`
	InvoiceDate        time.Time         `gorm:"not null" json:"invoice_date"`
	CustomerName       string            `gorm:"size:255" json:"customer_name"`
	WithholdingApplied bool              `gorm:"default:false" json:"withholding_applied"`
	FabricValue        decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"fabric_value"`
	StitchingBase      decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"stitching_base"`
	StitchingVat       decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"stitching_vat"`
	WithholdingAmount  decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"withholding_amount"`
	LiningBase         decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"lining_base"`
	LiningVat          decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"lining_vat"`
	GrandTotal         decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"grand_total"`
	CreatedBy          int               `gorm:"default:0" json:"created_by"`
	Records            []StitchingRecord `gorm:"foreignKey:BillingGroupId" json:"records"`
	CreatedAt          time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBillingGroup struct {
	InvoiceDate        time.Time `json:"invoice_date" validate:"required"`
	CustomerName       string    `json:"customer_name"`
	WithholdingApplied bool      `json:"withholding_applied"`
	PackingListIds     []int     `json:"packing_list_ids"`
	StitchingRecordIds []int     `json:"stitching_record_ids"`
}

type BillingGroupTotalSummary struct {
	FabricValue   decimal.Decimal `json:"fabric_value"`
	StitchingBase decimal.Decimal `json:"stitching_base"`
	StitchingVat  decimal.Decimal `json:"stitching_vat"`
	Withholding   decimal.Decimal `json:"withholding"`
	LiningBase    decimal.Decimal `json:"lining_base"`
	LiningVat     decimal.Decimal `json:"lining_vat"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
}

// computeBillingTotals rolls member records up from leaf data.
//
// Fabric value sums the cost of EVERY allocation: primary, secondary and
// lining. Undercounting by summing only the primary fabric was a recurring
// billing defect; keep the three roles together here.
//
// Stitching and lining run through two independent tax pipelines that are
// merged only into the grand total: vat-flagged stitching values are
// VAT-inclusive and decompose as base = value/1.07; lining cost is a net
// base taxed 7% on top, with no withholding.
func computeBillingTotals(records []StitchingRecord, withholdingApplied bool) BillingGroupTotalSummary {
	var totals BillingGroupTotalSummary

	for _, record := range records {
		for _, alloc := range record.Allocations {
			totals.FabricValue = totals.FabricValue.Add(alloc.Cost)
			if alloc.Role == AllocationRoleLining {
				totals.LiningBase = totals.LiningBase.Add(alloc.Cost)
			}
		}

		if record.HasVat {
			base, vat := utils.SplitVatInclusive(record.TotalValue)
			totals.StitchingBase = totals.StitchingBase.Add(base)
			totals.StitchingVat = totals.StitchingVat.Add(vat)
		} else {
			totals.StitchingBase = totals.StitchingBase.Add(record.TotalValue)
		}
	}

	if withholdingApplied {
		totals.Withholding = utils.WithholdingOn(totals.StitchingBase)
	}
	totals.LiningVat = utils.VatOn(totals.LiningBase)

	totals.GrandTotal = totals.StitchingBase.
		Add(totals.StitchingVat).
		Sub(totals.Withholding).
		Add(totals.LiningBase).
		Add(totals.LiningVat)

	return totals
}

func loadBillingMembers(tx *gorm.DB, businessId string, groupId int) ([]StitchingRecord, error) {
	var records []StitchingRecord
	err := tx.Preload("Allocations").
		Where("business_id = ? AND billing_group_id = ?", businessId, groupId).
		Find(&records).Error
	return records, err
}

func refreshBillingGroupTotals(tx *gorm.DB, businessId string, groupId int, withholdingApplied bool) error {
	records, err := loadBillingMembers(tx, businessId, groupId)
	if err != nil {
		return err
	}
	totals := computeBillingTotals(records, withholdingApplied)
	return tx.Exec(
		`UPDATE billing_groups
		 SET fabric_value = ?, stitching_base = ?, stitching_vat = ?, withholding_amount = ?,
		     lining_base = ?, lining_vat = ?, grand_total = ?
		 WHERE business_id = ? AND id = ?`,
		totals.FabricValue, totals.StitchingBase, totals.StitchingVat, totals.Withholding,
		totals.LiningBase, totals.LiningVat, totals.GrandTotal,
		businessId, groupId,
	).Error
}

func CreateBillingGroup(ctx context.Context, input *NewBillingGroup) (*BillingGroup, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if len(input.PackingListIds) == 0 && len(input.StitchingRecordIds) == 0 {
		return nil, errors.New("at least one packing list or stitching record is required")
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

	// Resolve membership: every record of every named packing list, plus the
	// directly named records. Each list header is locked so its membership
	// cannot change (or the list vanish) between the read and the commit.
	listIds := utils.UniqueSlice(input.PackingListIds)
	sort.Ints(listIds)
	memberIds := append([]int{}, input.StitchingRecordIds...)
	for _, listId := range listIds {
		if _, err := lockPackingList(tx, businessId, listId); err != nil {
			return nil, err
		}
		var ids []int
		err := tx.Model(&StitchingRecord{}).
			Where("business_id = ? AND packing_list_id = ?", businessId, listId).
			Pluck("id", &ids).Error
		if err != nil {
			return nil, err
		}
		memberIds = append(memberIds, ids...)
	}
	memberIds = utils.UniqueSlice(memberIds)
	if len(memberIds) == 0 {
		return nil, errors.New("billing group has no member records")
	}

	records, err := lockStitchingRecords(tx, businessId, memberIds)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if record.IsBilled() {
			return nil, &RecordLockedError{Entity: "stitching record", Id: record.ID, Reason: "record is already billed"}
		}
	}

	serial, err := NextSerial(tx, businessId, SerialTypeBillingGroup, input.InvoiceDate)
	if err != nil {
		return nil, err
	}

	group := BillingGroup{
		BusinessId:         businessId,
		SerialNumber:       serial,
		InvoiceDate:        input.InvoiceDate,
		CustomerName:       input.CustomerName,
		WithholdingApplied: input.WithholdingApplied,
		CreatedBy:          userId,
	}
	if err := tx.Create(&group).Error; err != nil {
		return nil, err
	}

	if err := tx.Model(&StitchingRecord{}).
		Where("business_id = ? AND id IN ?", businessId, memberIds).
		Update("billing_group_id", group.ID).Error; err != nil {
		return nil, err
	}

	if err := refreshBillingGroupTotals(tx, businessId, group.ID, group.WithholdingApplied); err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		config.LogError(config.GetLogger(), "models", "CreateBillingGroup",
			utils.CorrelationIdFromContextOrNew(ctx), input, err)
		return nil, err
	}

	return GetBillingGroup(ctx, group.ID)
}

// DeleteBillingGroup dissolves a group: members return one state back
// (Packed if they still belong to a packing list, Unpacked otherwise) and
// the group's cached aggregates disappear with it.
func DeleteBillingGroup(ctx context.Context, id int) (*BillingGroup, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	group, err := utils.FetchModel[BillingGroup](ctx, businessId, id, "Records")
	if err != nil {
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

	if err := tx.Model(&StitchingRecord{}).
		Where("business_id = ? AND billing_group_id = ?", businessId, group.ID).
		Update("billing_group_id", 0).Error; err != nil {
		return nil, err
	}

	if err := tx.Delete(&BillingGroup{}, group.ID).Error; err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return group, nil
}

func GetBillingGroup(ctx context.Context, id int) (*BillingGroup, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[BillingGroup](ctx, businessId, id, "Records", "Records.Allocations")
}

func GetBillingGroups(ctx context.Context) ([]*BillingGroup, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[BillingGroup](ctx, businessId, "Records")
}

// GetBillingGroupTotals recomputes the group's financial summary from leaf
// data on every call; the stored columns are never trusted for billing.
func GetBillingGroupTotals(ctx context.Context, groupId int) (*BillingGroupTotalSummary, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	group, err := utils.FetchModel[BillingGroup](ctx, businessId, groupId)
	if err != nil {
		return nil, err
	}

	records, err := loadBillingMembers(db.WithContext(ctx), businessId, group.ID)
	if err != nil {
		return nil, err
	}

	totals := computeBillingTotals(records, group.WithholdingApplied)
	return &totals, nil
}
