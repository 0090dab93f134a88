//go:build ignore

// verify_schema checks that a database file carries the order core schema.
//
//	go run ./scripts/verify_schema.go ./data/orders.db
package main

import (
	"fmt"
	"os"

	"cex-order-core/pkg/db"
)

var requiredTables = []string{
	"market_pairs",
	"trading_orders",
	"crypto_balances",
	"trade_history",
	"reconciliation_audit",
}

func main() {
	dbPath := "./data/orders.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	database, err := db.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	missing := 0
	for _, table := range requiredTables {
		var name string
		err := database.DB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			fmt.Printf("MISSING  %s\n", table)
			missing++
			continue
		}
		fmt.Printf("ok       %s\n", table)
	}

	var n int
	if err := database.DB.QueryRow("SELECT COUNT(*) FROM trading_orders WHERE status IN ('PENDING','PLACED')").Scan(&n); err == nil {
		fmt.Printf("\nopen orders awaiting reconciliation: %d\n", n)
	}
	if missing > 0 {
		os.Exit(1)
	}
}
