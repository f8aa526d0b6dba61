package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/garment_backend/config"
	"github.com/shopspring/decimal"
)

// LotDrift reports a fabric lot whose stored consumed balance disagrees
// with the sum of its allocation rows, or whose balance violates
// 0 <= consumed <= sent.
type LotDrift struct {
	FabricLotId   int             `json:"fabric_lot_id"`
	ItemName      string          `json:"item_name"`
	YardsSent     decimal.Decimal `json:"yards_sent"`
	YardsConsumed decimal.Decimal `json:"yards_consumed"`
	DerivedYards  decimal.Decimal `json:"derived_yards"`
	Problem       string          `json:"problem"`
}

// VerifyFabricLotConsumption recomputes every lot's consumption from the
// allocation leaves and flags drift. Read-only; used by the ledger-verify
// command after incidents or suspect migrations.
func VerifyFabricLotConsumption(ctx context.Context, businessId string) ([]LotDrift, error) {
	db := config.GetDB()

	type row struct {
		ID            int
		ItemName      string
		YardsSent     decimal.Decimal
		YardsConsumed decimal.Decimal
		DerivedYards  decimal.Decimal
	}
	var rows []row
	err := db.WithContext(ctx).Raw(
		`SELECT fl.id, fl.item_name, fl.yards_sent, fl.yards_consumed,
		        COALESCE(SUM(ca.yards), 0) AS derived_yards
		 FROM fabric_lots fl
		 LEFT JOIN consumption_allocations ca
		   ON ca.business_id = fl.business_id AND ca.fabric_lot_id = fl.id
		 WHERE fl.business_id = ?
		 GROUP BY fl.id, fl.item_name, fl.yards_sent, fl.yards_consumed`,
		businessId,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	var drifts []LotDrift
	for _, r := range rows {
		problem := ""
		switch {
		case r.YardsConsumed.IsNegative():
			problem = "consumed balance is negative"
		case r.YardsConsumed.GreaterThan(r.YardsSent):
			problem = "consumed balance exceeds yards sent"
		case !r.YardsConsumed.Equal(r.DerivedYards):
			problem = "consumed balance disagrees with allocation rows"
		}
		if problem == "" {
			continue
		}
		drifts = append(drifts, LotDrift{
			FabricLotId:   r.ID,
			ItemName:      r.ItemName,
			YardsSent:     r.YardsSent,
			YardsConsumed: r.YardsConsumed,
			DerivedYards:  r.DerivedYards,
			Problem:       problem,
		})
	}
	return drifts, nil
}
