package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/gitpaid-dev/gitpaid/internal/accesskey"
	"github.com/gitpaid-dev/gitpaid/internal/broadcast"
	"github.com/gitpaid-dev/gitpaid/internal/chain"
	"github.com/gitpaid-dev/gitpaid/internal/claim"
	"github.com/gitpaid-dev/gitpaid/internal/db"
	"github.com/gitpaid-dev/gitpaid/internal/payout"
	"github.com/gitpaid-dev/gitpaid/internal/pending"
	"github.com/gitpaid-dev/gitpaid/internal/tasks"
)

func main() {
	_ = godotenv.Load()

	db.Init()

	chains, err := chain.AllowListFromEnv()
	if err != nil {
		log.Fatalf("chain allow-list: %v", err)
	}
	relayer, err := broadcast.NewClientFromEnv()
	if err != nil {
		log.Fatalf("relayer client: %v", err)
	}

	registry := accesskey.NewRegistry(db.Conn)
	enforcer := accesskey.NewEnforcer(db.Conn)
	ledger := pending.NewLedger(db.Conn, registry)
	payouts := payout.NewStore(db.Conn)
	processor := claim.NewProcessor(registry, enforcer, ledger, payouts, relayer)

	worker := tasks.NewWorker(db.Conn, chains, processor, ledger, payouts, relayer, relayer)

	go func() {
		if err := tasks.RunScheduler(chains); err != nil {
			log.Fatalf("scheduler stopped: %v", err)
		}
	}()

	log.Printf("settlement worker starting")
	if err := worker.Run(); err != nil {
		log.Fatalf("worker stopped: %v", err)
	}
}
