package models

import (
	"log"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Vendor{}, &CapitalTransaction{},
		&StockItem{}, &SupplierPayment{},
		&CapitalDriftReport{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
