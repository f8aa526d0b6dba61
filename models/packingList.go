package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/garment_backend/config"
	"bitbucket.org/mmdatafocus/garment_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PackingList groups stitching records for physical delivery on one date.
// TotalRecords/TotalItems are stored for listing screens but always
// recomputed wholesale from the members on every membership change, never
// patched incrementally.
type PackingList struct {
	ID           int               `gorm:"primary_key" json:"id"`
	BusinessId   string            `gorm:"index;not null" json:"business_id"`
	SerialNumber string            `gorm:"size:30;not null" json:"serial_number"`
	DeliveryDate time.Time         `gorm:"not null" json:"delivery_date"`
	TotalRecords int               `gorm:"default:0" json:"total_records"`
	TotalItems   int               `gorm:"default:0" json:"total_items"`
	CreatedBy    int               `gorm:"default:0" json:"created_by"`
	Records      []StitchingRecord `gorm:"foreignKey:PackingListId" json:"records"`
	CreatedAt    time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPackingList struct {
	DeliveryDate       time.Time `json:"delivery_date" validate:"required"`
	StitchingRecordIds []int     `json:"stitching_record_ids" validate:"required,min=1"`
}

type PackingListTotalSummary struct {
	TotalRecords int `json:"total_records"`
	TotalItems   int `json:"total_items"`
}

// lockPackingList loads the list header FOR UPDATE. Every membership
// change (create members, add, remove, delete) takes this lock before
// touching member rows, so membership reads and writes cannot interleave
// with a concurrent delete of the list. Lock order is header, then records.
func lockPackingList(tx *gorm.DB, businessId string, listId int) (*PackingList, error) {
	var list PackingList
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&list, listId).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &list, nil
}

// lockStitchingRecords loads records FOR UPDATE; all ids must exist.
func lockStitchingRecords(tx *gorm.DB, businessId string, recordIds []int) ([]StitchingRecord, error) {
	ids := utils.UniqueSlice(recordIds)
	var records []StitchingRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id IN ?", businessId, ids).
		Order("id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) != len(ids) {
		return nil, utils.ErrorRecordNotFound
	}
	return records, nil
}

func recomputePackingListTotals(tx *gorm.DB, businessId string, listId int) error {
	var row struct {
		TotalRecords int
		TotalItems   int
	}
	err := tx.Raw(
		`SELECT COUNT(*) AS total_records,
		        COALESCE(SUM(qty_s + qty_m + qty_l + qty_xl + qty_xxl + qty_xxxl), 0) AS total_items
		 FROM stitching_records
		 WHERE business_id = ? AND packing_list_id = ?`,
		businessId, listId,
	).Scan(&row).Error
	if err != nil {
		return err
	}
	return tx.Exec(
		"UPDATE packing_lists SET total_records = ?, total_items = ? WHERE business_id = ? AND id = ?",
		row.TotalRecords, row.TotalItems, businessId, listId,
	).Error
}

func CreatePackingList(ctx context.Context, input *NewPackingList) (*PackingList, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateStruct(input); err != nil {
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

	records, err := lockStitchingRecords(tx, businessId, input.StitchingRecordIds)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if record.IsPacked() {
			return nil, &RecordLockedError{Entity: "stitching record", Id: record.ID, Reason: "record is already packed"}
		}
		if record.IsBilled() {
			return nil, &RecordLockedError{Entity: "stitching record", Id: record.ID, Reason: "record is billed"}
		}
	}

	serial, err := NextSerial(tx, businessId, SerialTypePackingList, input.DeliveryDate)
	if err != nil {
		return nil, err
	}

	list := PackingList{
		BusinessId:   businessId,
		SerialNumber: serial,
		DeliveryDate: input.DeliveryDate,
		CreatedBy:    userId,
	}
	if err := tx.Create(&list).Error; err != nil {
		return nil, err
	}

	recordIds := make([]int, 0, len(records))
	for _, record := range records {
		recordIds = append(recordIds, record.ID)
	}
	if err := tx.Model(&StitchingRecord{}).
		Where("business_id = ? AND id IN ?", businessId, recordIds).
		Update("packing_list_id", list.ID).Error; err != nil {
		return nil, err
	}

	if err := recomputePackingListTotals(tx, businessId, list.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return GetPackingList(ctx, list.ID)
}

func AddStitchingRecordToPackingList(ctx context.Context, listId int, recordId int) (*PackingList, error) {
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

	if _, err := lockPackingList(tx, businessId, listId); err != nil {
		return nil, err
	}

	records, err := lockStitchingRecords(tx, businessId, []int{recordId})
	if err != nil {
		return nil, err
	}
	record := records[0]
	if record.IsPacked() {
		return nil, &RecordLockedError{Entity: "stitching record", Id: record.ID, Reason: "record is already packed"}
	}
	if record.IsBilled() {
		return nil, &RecordLockedError{Entity: "stitching record", Id: record.ID, Reason: "record is billed"}
	}

	if err := tx.Model(&StitchingRecord{}).
		Where("business_id = ? AND id = ?", businessId, record.ID).
		Update("packing_list_id", listId).Error; err != nil {
		return nil, err
	}
	if err := recomputePackingListTotals(tx, businessId, listId); err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return GetPackingList(ctx, listId)
}

func RemoveStitchingRecordFromPackingList(ctx context.Context, listId int, recordId int) (*PackingList, error) {
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

	if _, err := lockPackingList(tx, businessId, listId); err != nil {
		return nil, err
	}

	records, err := lockStitchingRecords(tx, businessId, []int{recordId})
	if err != nil {
		return nil, err
	}
	record := records[0]
	if record.PackingListId != listId {
		return nil, errors.New("record does not belong to this packing list")
	}
	if record.IsBilled() {
		return nil, &RecordLockedError{Entity: "stitching record", Id: record.ID, Reason: "record is billed"}
	}

	if err := tx.Model(&StitchingRecord{}).
		Where("business_id = ? AND id = ?", businessId, record.ID).
		Update("packing_list_id", 0).Error; err != nil {
		return nil, err
	}
	if err := recomputePackingListTotals(tx, businessId, listId); err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return GetPackingList(ctx, listId)
}

// DeletePackingList removes a list and moves its members back to Unpacked.
// Blocked while any member is billed (ungrouping happens top-down: delete
// the billing group first).
func DeletePackingList(ctx context.Context, id int) (*PackingList, error) {
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

	list, err := lockPackingList(tx, businessId, id)
	if err != nil {
		return nil, err
	}

	// Membership is read under the header lock; a snapshot taken before the
	// transaction could miss a record added concurrently and unpack it
	// without the billed check.
	var members []StitchingRecord
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND packing_list_id = ?", businessId, list.ID).
		Order("id").
		Find(&members).Error; err != nil {
		return nil, err
	}

	if len(members) > 0 {
		for _, record := range members {
			if record.IsBilled() {
				return nil, &RecordLockedError{Entity: "stitching record", Id: record.ID, Reason: "record is billed"}
			}
		}
		if err := tx.Model(&StitchingRecord{}).
			Where("business_id = ? AND packing_list_id = ?", businessId, list.ID).
			Update("packing_list_id", 0).Error; err != nil {
			return nil, err
		}
	}
	list.Records = members

	if err := tx.Delete(&PackingList{}, list.ID).Error; err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return list, nil
}

func GetPackingList(ctx context.Context, id int) (*PackingList, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[PackingList](ctx, businessId, id, "Records")
}

func GetPackingLists(ctx context.Context) ([]*PackingList, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[PackingList](ctx, businessId, "Records")
}

// GetPackingListTotals recomputes delivery totals from the member records.
// The stored columns are a display cache; this read never trusts them.
func GetPackingListTotals(ctx context.Context, listId int) (*PackingListTotalSummary, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateResourceId[PackingList](ctx, businessId, listId); err != nil {
		return nil, err
	}

	var summary PackingListTotalSummary
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS total_records,
		        COALESCE(SUM(qty_s + qty_m + qty_l + qty_xl + qty_xxl + qty_xxxl), 0) AS total_items
		 FROM stitching_records
		 WHERE business_id = ? AND packing_list_id = ?`,
		businessId, listId,
	).Scan(&summary).Error
	if err != nil {
		return nil, err
	}
	return &summary, nil
}
