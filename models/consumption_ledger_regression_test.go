package models_test

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/garment_backend/config"
	"bitbucket.org/mmdatafocus/garment_backend/models"
	"bitbucket.org/mmdatafocus/garment_backend/utils"
	"bitbucket.org/mmdatafocus/garment_backend/workflow"
)

func TestStitchingAllocationAndReversalRoundTrip(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupLedgerBackend(t)

	// Lot A: 100 yards at 2.5/yd, lot B: 50 yards at 4/yd.
	invoice := createTestInvoice(t, ctx,
		testLot("Navy Twill", "2.5", "100"),
		testLot("White Poplin", "4", "50"),
	)
	lotA := invoice.Lots[0].ID
	lotB := invoice.Lots[1].ID

	stitchDate := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	record, err := models.CreateStitchingRecord(ctx, &models.NewStitchingRecord{
		ItemName:   "Work Jacket",
		StitchDate: stitchDate,
		Sizes:      models.SizeQuantities{QtyM: 3, QtyL: 3},
		UnitPrice:  mustDecimal("50"),
		Primary:    models.NewFabricConsumption{FabricLotId: lotA, Yards: mustDecimal("40")},
		Secondaries: []models.NewFabricConsumption{
			{FabricLotId: lotB, Yards: mustDecimal("10")},
		},
	})
	if err != nil {
		t.Fatalf("CreateStitchingRecord: %v", err)
	}

	if record.SerialNumber != "ST/0626/001" {
		t.Fatalf("expected serial ST/0626/001; got %s", record.SerialNumber)
	}
	// 6 pieces at 50, no vat.
	if record.TotalValue.Cmp(mustDecimal("300")) != 0 {
		t.Fatalf("expected total value 300; got %s", record.TotalValue)
	}
	if len(record.Allocations) != 2 {
		t.Fatalf("expected 2 allocations; got %d", len(record.Allocations))
	}
	// Cost snapshots the lot price at allocation time: 40 * 2.5 = 100.
	if record.Allocations[0].Cost.Cmp(mustDecimal("100")) != 0 {
		t.Fatalf("expected primary cost 100; got %s", record.Allocations[0].Cost)
	}

	if got := pendingYards(t, ctx, lotA); got.Cmp(mustDecimal("60")) != 0 {
		t.Fatalf("expected lot A pending 60 after allocation; got %s", got)
	}
	if got := pendingYards(t, ctx, lotB); got.Cmp(mustDecimal("40")) != 0 {
		t.Fatalf("expected lot B pending 40 after allocation; got %s", got)
	}

	// Stored balances agree with the allocation leaves.
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	drifts, err := workflow.VerifyFabricLotConsumption(ctx, businessId)
	if err != nil {
		t.Fatalf("VerifyFabricLotConsumption: %v", err)
	}
	if len(drifts) != 0 {
		t.Fatalf("expected no drift after allocation; got %+v", drifts)
	}

	// Reversal restores every lot to its exact pre-allocation balance.
	if _, err := models.DeleteStitchingRecord(ctx, record.ID); err != nil {
		t.Fatalf("DeleteStitchingRecord: %v", err)
	}
	if got := pendingYards(t, ctx, lotA); got.Cmp(mustDecimal("100")) != 0 {
		t.Fatalf("expected lot A pending 100 after reversal; got %s", got)
	}
	if got := pendingYards(t, ctx, lotB); got.Cmp(mustDecimal("50")) != 0 {
		t.Fatalf("expected lot B pending 50 after reversal; got %s", got)
	}

	db := config.GetDB()
	var orphans int64
	if err := db.Model(&models.ConsumptionAllocation{}).
		Where("business_id = ? AND stitching_record_id = ?", businessId, record.ID).
		Count(&orphans).Error; err != nil {
		t.Fatalf("count allocations: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("expected allocation rows removed with the record; got %d", orphans)
	}
}

func TestStitchingReversalSkipsAlreadyUndoneAllocations(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupLedgerBackend(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	invoice := createTestInvoice(t, ctx,
		testLot("Navy Twill", "2.5", "100"),
		testLot("White Poplin", "4", "50"),
	)
	lotA := invoice.Lots[0].ID
	lotB := invoice.Lots[1].ID

	record, err := models.CreateStitchingRecord(ctx, &models.NewStitchingRecord{
		ItemName:   "Work Jacket",
		StitchDate: time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC),
		Sizes:      models.SizeQuantities{QtyM: 6},
		UnitPrice:  mustDecimal("50"),
		Primary:    models.NewFabricConsumption{FabricLotId: lotA, Yards: mustDecimal("40")},
		Secondaries: []models.NewFabricConsumption{
			{FabricLotId: lotB, Yards: mustDecimal("10")},
		},
	})
	if err != nil {
		t.Fatalf("CreateStitchingRecord: %v", err)
	}

	// Replay a reversal attempt that died halfway: the primary allocation's
	// ledger effect was undone and its row removed, the rest never ran.
	db := config.GetDB()
	tx := db.Begin()
	if err := tx.Exec(
		"UPDATE fabric_lots SET yards_consumed = yards_consumed - 40 WHERE business_id = ? AND id = ?",
		businessId, lotA,
	).Error; err != nil {
		tx.Rollback()
		t.Fatalf("simulate partial undo: %v", err)
	}
	if err := tx.Where("business_id = ? AND stitching_record_id = ? AND fabric_lot_id = ?",
		businessId, record.ID, lotA).
		Delete(&models.ConsumptionAllocation{}).Error; err != nil {
		tx.Rollback()
		t.Fatalf("simulate partial undo delete: %v", err)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit partial undo: %v", err)
	}

	// The retry must undo only what is still recorded; a second subtraction
	// for lot A would push its balance past the yards originally sent.
	if _, err := models.DeleteStitchingRecord(ctx, record.ID); err != nil {
		t.Fatalf("DeleteStitchingRecord retry: %v", err)
	}
	if got := pendingYards(t, ctx, lotA); got.Cmp(mustDecimal("100")) != 0 {
		t.Fatalf("expected lot A pending 100 after retried reversal; got %s", got)
	}
	if got := pendingYards(t, ctx, lotB); got.Cmp(mustDecimal("50")) != 0 {
		t.Fatalf("expected lot B pending 50 after retried reversal; got %s", got)
	}
}

func TestStitchingAllocationIsAllOrNothing(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupLedgerBackend(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	invoice := createTestInvoice(t, ctx,
		testLot("Navy Twill", "2.5", "100"),
		testLot("White Poplin", "4", "50"),
	)
	lotA := invoice.Lots[0].ID
	lotB := invoice.Lots[1].ID

	// Lot A has plenty, lot B does not; nothing may be deducted.
	_, err := models.CreateStitchingRecord(ctx, &models.NewStitchingRecord{
		ItemName:   "Work Jacket",
		StitchDate: time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC),
		Sizes:      models.SizeQuantities{QtyM: 6},
		UnitPrice:  mustDecimal("50"),
		Primary:    models.NewFabricConsumption{FabricLotId: lotA, Yards: mustDecimal("20")},
		Secondaries: []models.NewFabricConsumption{
			{FabricLotId: lotB, Yards: mustDecimal("60")},
		},
	})
	var insufficient *models.InsufficientYardageError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientYardageError; got %v", err)
	}
	if insufficient.FabricLotId != lotB {
		t.Fatalf("expected failing lot %d; got %d", lotB, insufficient.FabricLotId)
	}

	if got := pendingYards(t, ctx, lotA); got.Cmp(mustDecimal("100")) != 0 {
		t.Fatalf("expected lot A untouched; got pending %s", got)
	}
	if got := pendingYards(t, ctx, lotB); got.Cmp(mustDecimal("50")) != 0 {
		t.Fatalf("expected lot B untouched; got pending %s", got)
	}

	db := config.GetDB()
	var recordCount int64
	if err := db.Model(&models.StitchingRecord{}).
		Where("business_id = ?", businessId).
		Count(&recordCount).Error; err != nil {
		t.Fatalf("count records: %v", err)
	}
	if recordCount != 0 {
		t.Fatalf("expected no stitching record persisted; got %d", recordCount)
	}
}

func TestStitchingDemandIsSummedPerLot(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupLedgerBackend(t)

	invoice := createTestInvoice(t, ctx, testLot("Navy Twill", "2.5", "100"))
	lotA := invoice.Lots[0].ID

	// 60 primary + 60 secondary from the same lot is a 120-yard demand
	// against 100 pending; checking the lines one by one would let it pass.
	_, err := models.CreateStitchingRecord(ctx, &models.NewStitchingRecord{
		ItemName:   "Lined Coat",
		StitchDate: time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC),
		Sizes:      models.SizeQuantities{QtyL: 2},
		UnitPrice:  mustDecimal("80"),
		Primary:    models.NewFabricConsumption{FabricLotId: lotA, Yards: mustDecimal("60")},
		Secondaries: []models.NewFabricConsumption{
			{FabricLotId: lotA, Yards: mustDecimal("60")},
		},
	})
	var insufficient *models.InsufficientYardageError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientYardageError for summed demand; got %v", err)
	}
	if got := pendingYards(t, ctx, lotA); got.Cmp(mustDecimal("100")) != 0 {
		t.Fatalf("expected lot untouched; got pending %s", got)
	}
}

func TestUpdateStitchingRecordDeltaAndSnapshots(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupLedgerBackend(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	invoice := createTestInvoice(t, ctx, testLot("Navy Twill", "2.5", "100"))
	lotA := invoice.Lots[0].ID

	record, err := models.CreateStitchingRecord(ctx, &models.NewStitchingRecord{
		ItemName:   "Work Jacket",
		StitchDate: time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC),
		Sizes:      models.SizeQuantities{QtyM: 6},
		UnitPrice:  mustDecimal("50"),
		Primary:    models.NewFabricConsumption{FabricLotId: lotA, Yards: mustDecimal("40")},
	})
	if err != nil {
		t.Fatalf("CreateStitchingRecord: %v", err)
	}

	// Bump the lot price after allocation. The amended record must keep the
	// snapshot taken at first allocation, not re-price at today's rate.
	db := config.GetDB()
	if err := db.Exec(
		"UPDATE fabric_lots SET unit_price = 9.99 WHERE business_id = ? AND id = ?",
		businessId, lotA,
	).Error; err != nil {
		t.Fatalf("bump lot price: %v", err)
	}

	updated, err := models.UpdateStitchingRecord(ctx, record.ID, &models.NewStitchingRecord{
		ItemName:   "Work Jacket",
		StitchDate: time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC),
		Sizes:      models.SizeQuantities{QtyM: 6},
		UnitPrice:  mustDecimal("50"),
		Primary:    models.NewFabricConsumption{FabricLotId: lotA, Yards: mustDecimal("50")},
	})
	if err != nil {
		t.Fatalf("UpdateStitchingRecord: %v", err)
	}
	if len(updated.Allocations) != 1 {
		t.Fatalf("expected 1 allocation; got %d", len(updated.Allocations))
	}
	if updated.Allocations[0].UnitPrice.Cmp(mustDecimal("2.5")) != 0 {
		t.Fatalf("expected snapshot price 2.5 preserved across amend; got %s", updated.Allocations[0].UnitPrice)
	}
	// Only the 10-yard growth was deducted: 100 - 50.
	if got := pendingYards(t, ctx, lotA); got.Cmp(mustDecimal("50")) != 0 {
		t.Fatalf("expected pending 50 after amend; got %s", got)
	}

	// Growth past pending fails and leaves the ledger unchanged.
	_, err = models.UpdateStitchingRecord(ctx, record.ID, &models.NewStitchingRecord{
		ItemName:   "Work Jacket",
		StitchDate: time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC),
		Sizes:      models.SizeQuantities{QtyM: 6},
		UnitPrice:  mustDecimal("50"),
		Primary:    models.NewFabricConsumption{FabricLotId: lotA, Yards: mustDecimal("120")},
	})
	var insufficient *models.InsufficientYardageError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientYardageError on over-amend; got %v", err)
	}
	if got := pendingYards(t, ctx, lotA); got.Cmp(mustDecimal("50")) != 0 {
		t.Fatalf("expected pending unchanged after failed amend; got %s", got)
	}

	// Shrinking frees yardage.
	if _, err := models.UpdateStitchingRecord(ctx, record.ID, &models.NewStitchingRecord{
		ItemName:   "Work Jacket",
		StitchDate: time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC),
		Sizes:      models.SizeQuantities{QtyM: 6},
		UnitPrice:  mustDecimal("50"),
		Primary:    models.NewFabricConsumption{FabricLotId: lotA, Yards: mustDecimal("20")},
	}); err != nil {
		t.Fatalf("UpdateStitchingRecord shrink: %v", err)
	}
	if got := pendingYards(t, ctx, lotA); got.Cmp(mustDecimal("80")) != 0 {
		t.Fatalf("expected pending 80 after shrink; got %s", got)
	}
}

func TestLedgerVerifyFlagsManuallyCorruptedBalance(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupLedgerBackend(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	invoice := createTestInvoice(t, ctx, testLot("Navy Twill", "2.5", "100"))
	lotA := invoice.Lots[0].ID

	if _, err := models.CreateStitchingRecord(ctx, &models.NewStitchingRecord{
		ItemName:   "Work Jacket",
		StitchDate: time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC),
		Sizes:      models.SizeQuantities{QtyM: 6},
		UnitPrice:  mustDecimal("50"),
		Primary:    models.NewFabricConsumption{FabricLotId: lotA, Yards: mustDecimal("40")},
	}); err != nil {
		t.Fatalf("CreateStitchingRecord: %v", err)
	}

	db := config.GetDB()
	if err := db.Exec(
		"UPDATE fabric_lots SET yards_consumed = 55 WHERE business_id = ? AND id = ?",
		businessId, lotA,
	).Error; err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}

	drifts, err := workflow.VerifyFabricLotConsumption(ctx, businessId)
	if err != nil {
		t.Fatalf("VerifyFabricLotConsumption: %v", err)
	}
	if len(drifts) != 1 {
		t.Fatalf("expected exactly one drifting lot; got %+v", drifts)
	}
	if drifts[0].FabricLotId != lotA {
		t.Fatalf("expected drift on lot %d; got %d", lotA, drifts[0].FabricLotId)
	}
	if drifts[0].DerivedYards.Cmp(mustDecimal("40")) != 0 {
		t.Fatalf("expected derived consumption 40; got %s", drifts[0].DerivedYards)
	}
}
