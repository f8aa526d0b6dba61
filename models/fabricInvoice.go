package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/garment_backend/config"
	"bitbucket.org/mmdatafocus/garment_backend/utils"
	"github.com/shopspring/decimal"
)

// FabricInvoice is the receiving side of the ledger: one delivery of fabric
// from a supplier, owning the lots it brought in. Supplier identity is a
// denormalized display string; customer/supplier masters live outside this
// module.
type FabricInvoice struct {
	ID           int         `gorm:"primary_key" json:"id"`
	BusinessId   string      `gorm:"index;not null" json:"business_id"`
	SerialNumber string      `gorm:"size:30;not null" json:"serial_number"`
	SupplierName string      `gorm:"size:255;not null" json:"supplier_name"`
	InvoiceDate  time.Time   `gorm:"not null" json:"invoice_date"`
	Notes        string      `gorm:"type:text" json:"notes"`
	CreatedBy    int         `gorm:"default:0" json:"created_by"`
	Lots         []FabricLot `gorm:"foreignKey:FabricInvoiceId" json:"lots"`
	CreatedAt    time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewFabricInvoice struct {
	SupplierName string         `json:"supplier_name" validate:"required"`
	InvoiceDate  time.Time      `json:"invoice_date" validate:"required"`
	Notes        string         `json:"notes"`
	Lots         []NewFabricLot `json:"lots" validate:"required,min=1,dive"`
}

type NewFabricLot struct {
	ItemName  string          `json:"item_name" validate:"required"`
	Color     string          `json:"color"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	YardsSent decimal.Decimal `json:"yards_sent"`
}

func (input *NewFabricInvoice) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	for i, lot := range input.Lots {
		if !lot.YardsSent.IsPositive() {
			return fmt.Errorf("lot %d (%s): yards sent must be positive", i+1, lot.ItemName)
		}
		if lot.UnitPrice.IsNegative() {
			return fmt.Errorf("lot %d (%s): unit price must not be negative", i+1, lot.ItemName)
		}
	}
	return nil
}

func CreateFabricInvoice(ctx context.Context, input *NewFabricInvoice) (*FabricInvoice, error) {
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
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	serial, err := NextSerial(tx, businessId, SerialTypeFabricInvoice, input.InvoiceDate)
	if err != nil {
		return nil, err
	}

	invoice := FabricInvoice{
		BusinessId:   businessId,
		SerialNumber: serial,
		SupplierName: input.SupplierName,
		InvoiceDate:  input.InvoiceDate,
		Notes:        input.Notes,
		CreatedBy:    userId,
	}
	for _, lot := range input.Lots {
		invoice.Lots = append(invoice.Lots, FabricLot{
			BusinessId:    businessId,
			ItemName:      lot.ItemName,
			Color:         lot.Color,
			UnitPrice:     lot.UnitPrice,
			YardsSent:     lot.YardsSent,
			YardsConsumed: decimal.Zero,
		})
	}

	if err := tx.Create(&invoice).Error; err != nil {
		config.LogError(config.GetLogger(), "models", "CreateFabricInvoice",
			utils.CorrelationIdFromContextOrNew(ctx), input, err)
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &invoice, nil
}

func GetFabricInvoice(ctx context.Context, id int) (*FabricInvoice, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[FabricInvoice](ctx, businessId, id, "Lots")
}

func GetFabricInvoices(ctx context.Context) ([]*FabricInvoice, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[FabricInvoice](ctx, businessId, "Lots")
}

// DeleteFabricInvoice removes an invoice and its lots. Blocked while any lot
// has consumption or commission history, so the ledger never loses the
// source of yardage already allocated.
func DeleteFabricInvoice(ctx context.Context, id int) (*FabricInvoice, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	invoice, err := utils.FetchModel[FabricInvoice](ctx, businessId, id, "Lots")
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

	if len(invoice.Lots) > 0 {
		lotIds := make([]int, 0, len(invoice.Lots))
		for _, lot := range invoice.Lots {
			lotIds = append(lotIds, lot.ID)
		}
		lots, err := lockFabricLots(tx, businessId, lotIds)
		if err != nil {
			return nil, err
		}
		for _, lot := range lots {
			if !lot.YardsConsumed.IsZero() {
				return nil, &RecordLockedError{
					Entity: "fabric lot",
					Id:     lot.ID,
					Reason: "lot has consumption history",
				}
			}
			commission, err := commissionYardsLocked(tx, businessId, lot.ID)
			if err != nil {
				return nil, err
			}
			if !commission.IsZero() {
				return nil, &RecordLockedError{
					Entity: "fabric lot",
					Id:     lot.ID,
					Reason: "lot has commission sales",
				}
			}
		}

		if err := tx.Where("business_id = ? AND fabric_invoice_id = ?", businessId, id).
			Delete(&FabricLot{}).Error; err != nil {
			return nil, err
		}
	}

	if err := tx.Delete(&FabricInvoice{}, invoice.ID).Error; err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return invoice, nil
}
