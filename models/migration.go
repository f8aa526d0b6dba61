package models

import (
	"log"

	"bitbucket.org/mmdatafocus/garment_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&FabricInvoice{}, &FabricLot{},
		&IssuedSerial{},
		&StitchingRecord{}, &ConsumptionAllocation{},
		&PackingList{}, &BillingGroup{},
		&CommissionSale{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
