package main

import (
	"log"

	"bitbucket.org/mmdatafocus/garment_backend/config"
	"bitbucket.org/mmdatafocus/garment_backend/models"
)

func main() {
	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	log.Println("migration complete")
}
