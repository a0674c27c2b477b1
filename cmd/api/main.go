package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/gitpaid-dev/gitpaid/internal/accesskey"
	"github.com/gitpaid-dev/gitpaid/internal/broadcast"
	"github.com/gitpaid-dev/gitpaid/internal/chain"
	"github.com/gitpaid-dev/gitpaid/internal/claim"
	"github.com/gitpaid-dev/gitpaid/internal/db"
	appmw "github.com/gitpaid-dev/gitpaid/internal/middleware"
	"github.com/gitpaid-dev/gitpaid/internal/payout"
	"github.com/gitpaid-dev/gitpaid/internal/pending"
	"github.com/gitpaid-dev/gitpaid/internal/tasks"
	"github.com/gitpaid-dev/gitpaid/internal/wallet"
)

func main() {
	_ = godotenv.Load()

	// Init subsystems
	db.Init()
	tasks.InitClient()

	chains, err := chain.AllowListFromEnv()
	if err != nil {
		log.Fatalf("chain allow-list: %v", err)
	}
	relayer, err := broadcast.NewClientFromEnv()
	if err != nil {
		log.Fatalf("relayer client: %v", err)
	}

	wallets := wallet.NewStore(db.Conn)
	registry := accesskey.NewRegistry(db.Conn)
	enforcer := accesskey.NewEnforcer(db.Conn)
	ledger := pending.NewLedger(db.Conn, registry)
	payouts := payout.NewStore(db.Conn)
	processor := claim.NewProcessor(registry, enforcer, ledger, payouts, relayer)

	walletHandler := wallet.NewHandler(wallets)
	keyHandler := accesskey.NewHandler(registry, chains)
	pendingHandler := pending.NewHandler(ledger, chains)
	payoutHandler := payout.NewHandler(payouts, chains)
	claimHandler := claim.NewHandler(processor, ledger, wallets, chains,
		func(chainID int64, r claim.Recipient) {
			_ = tasks.EnqueueClaimRetry(tasks.ClaimRetryPayload{
				ChainID:       chainID,
				UserID:        r.UserID,
				ExternalID:    r.ExternalID,
				WalletID:      r.WalletID,
				WalletAddress: r.WalletAddress,
			}, 5*time.Minute)
		})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Health
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// Public claim-link probe
	e.GET("/claim/:token", claimHandler.Lookup)

	// Authenticated group
	g := e.Group("")
	g.Use(appmw.JWTMiddleware)

	// Wallets
	g.POST("/wallets", walletHandler.Register)
	g.GET("/wallets/me", walletHandler.ListMine)

	// Access keys
	g.POST("/access-keys", keyHandler.Create)
	g.POST("/access-keys/:id/revoke", keyHandler.Revoke)
	g.GET("/access-keys", keyHandler.List)

	// Pending payments
	g.POST("/payments/pending", pendingHandler.CreateForBounty)
	g.POST("/payments/direct", pendingHandler.CreateDirect)
	g.POST("/payments/pending/:id/cancel", pendingHandler.Cancel)
	g.GET("/payments/liabilities", pendingHandler.Liabilities)

	// Claims
	g.POST("/claim", claimHandler.ClaimAll)

	// Payouts
	g.GET("/payouts", payoutHandler.ListMine)

	// Admin routes
	adminGroup := e.Group("/admin")
	adminGroup.Use(appmw.JWTMiddleware)
	adminGroup.Use(appmw.AdminGuard)
	adminGroup.GET("/payouts", payoutHandler.AdminList)
	adminGroup.POST("/payouts/:id/confirm", payoutHandler.AdminConfirm)
	adminGroup.POST("/payouts/:id/fail", payoutHandler.AdminFail)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("API server listening on :%s", port)
	if err := e.Start(":" + port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
