package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/garment_backend/config"
	"bitbucket.org/mmdatafocus/garment_backend/workflow"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	drifts, err := workflow.VerifyFabricLotConsumption(context.Background(), *businessID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		os.Exit(1)
	}

	if len(drifts) == 0 {
		fmt.Println("all fabric lots consistent")
		return
	}

	for _, d := range drifts {
		fmt.Printf("lot %d (%s): sent=%s consumed=%s derived=%s: %s\n",
			d.FabricLotId, d.ItemName, d.YardsSent, d.YardsConsumed, d.DerivedYards, d.Problem)
	}
	os.Exit(1)
}
