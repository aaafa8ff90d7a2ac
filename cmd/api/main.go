package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/czhaoca/pathfinder-sub004/internal/approval"
	"github.com/czhaoca/pathfinder-sub004/internal/audit"
	"github.com/czhaoca/pathfinder-sub004/internal/credtoken"
	"github.com/czhaoca/pathfinder-sub004/internal/deletion"
	"github.com/czhaoca/pathfinder-sub004/internal/httpapi"
	"github.com/czhaoca/pathfinder-sub004/internal/notify"
	"github.com/czhaoca/pathfinder-sub004/internal/obs"
	"github.com/czhaoca/pathfinder-sub004/internal/rbac"
	"github.com/czhaoca/pathfinder-sub004/internal/store/pg"
	"github.com/czhaoca/pathfinder-sub004/internal/sweep"
)

var version = "0.1.0"

func main() {
	obs.Init()

	var (
		db *sql.DB

		ledger        audit.Ledger
		roleStore     rbac.Store
		tokenStore    credtoken.Store
		approvalStore approval.Store
		deletionStore deletion.Store
	)

	// With no DSN every store runs in memory; useful for local work and demos.
	if dsn := os.Getenv("PATHFINDER_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = store.DB()
		ledger = pg.NewAuditLedger(store)
		roleStore = pg.NewRoleStore(store)
		tokenStore = pg.NewTokenStore(store)
		approvalStore = pg.NewApprovalStore(store)
		deletionStore = pg.NewDeletionStore(store)
	} else {
		log.Println("PATHFINDER_PG_DSN not set, using in-memory stores")
		ledger = audit.NewInMemory()
		roleStore = rbac.NewMemoryStore()
		tokenStore = credtoken.NewMemoryStore()
		approvalStore = approval.NewMemoryStore()
		deletionStore = deletion.NewMemoryStore()
	}

	stream := notify.NewStream()

	roles, err := rbac.NewService(roleStore, ledger, stream)
	if err != nil {
		log.Fatalf("role service: %v", err)
	}
	tokens, err := credtoken.NewService(tokenStore, ledger)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	deletions, err := deletion.NewScheduler(deletionStore, tokens, ledger, roles, stream)
	if err != nil {
		log.Fatalf("deletion scheduler: %v", err)
	}
	approvals, err := approval.NewEngine(approvalStore, ledger, roles, deletions, stream)
	if err != nil {
		log.Fatalf("approval engine: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, roles, approvals, tokens, deletions, ledger)

	handler := api.Handler()
	handler = httpapi.Logging(handler)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.RateLimit(handler, 20, 10)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.RequestID(handler)

	addr := os.Getenv("PATHFINDER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sweep.New(approvals, deletions).Run(sweepCtx)

	log.Printf("Starting pathfinder-governance %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
