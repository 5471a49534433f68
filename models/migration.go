package models

import (
	"log"

	"bitbucket.org/casadata/rentals_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Property{}, &Guest{}, &Reservation{},
		&ChannelConnection{},
		&ReconciliationRun{}, &ReconciliationItem{}, &ChannelImportIssue{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
