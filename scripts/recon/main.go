// Command recon recomputes every user's mileage balance from the ledger and
// the exchange table and reports invariant violations. Run it against a live
// database after incidents or before upgrades; a non-zero exit means at least
// one user has a negative available balance or a settled exchange without a
// matching debit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/unischolar/mileage-api/internal/repository"
	"github.com/unischolar/mileage-api/pkg/config"
	"github.com/unischolar/mileage-api/pkg/database"
)

type finding struct {
	UserID    string
	Total     int64
	Committed int64
	Available int64
	Problem   string
}

func main() {
	var timeout time.Duration
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "overall run timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	users := repository.NewUserRepository(db)
	ledger := repository.NewMileageRepository(db)
	exchanges := repository.NewExchangeRepository(db)

	ids, err := users.ListIDs(ctx)
	if err != nil {
		log.Fatalf("failed to list users: %v", err)
	}

	var findings []finding
	for _, id := range ids {
		total, err := ledger.Total(ctx, id)
		if err != nil {
			log.Fatalf("failed to sum ledger for %s: %v", id, err)
		}
		committed, err := exchanges.SumCommitted(ctx, id)
		if err != nil {
			log.Fatalf("failed to sum pending exchanges for %s: %v", id, err)
		}
		available := total - committed
		if available < 0 {
			findings = append(findings, finding{
				UserID: id, Total: total, Committed: committed, Available: available,
				Problem: "available balance is negative",
			})
		}
	}

	orphans, err := settledWithoutDebit(ctx, db)
	if err != nil {
		log.Fatalf("failed to check settled exchanges: %v", err)
	}
	for _, id := range orphans {
		findings = append(findings, finding{UserID: id, Problem: "approved exchange has no ledger debit"})
	}

	fmt.Printf("checked %d users\n", len(ids))
	if len(findings) == 0 {
		fmt.Println("no violations found")
		return
	}

	for _, f := range findings {
		if f.Problem == "available balance is negative" {
			fmt.Printf("VIOLATION user=%s total=%d committed=%d available=%d: %s\n",
				f.UserID, f.Total, f.Committed, f.Available, f.Problem)
			continue
		}
		fmt.Printf("VIOLATION user=%s: %s\n", f.UserID, f.Problem)
	}
	os.Exit(1)
}

func settledWithoutDebit(ctx context.Context, db interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}) ([]string, error) {
	const query = `
		SELECT e.user_id
		FROM exchange_requests e
		LEFT JOIN mileage_entries m ON m.related_exchange_id = e.id
		WHERE e.state = 'APPROVED' AND m.id IS NULL`
	var ids []string
	if err := db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("select settled exchanges without debit: %w", err)
	}
	return ids, nil
}
