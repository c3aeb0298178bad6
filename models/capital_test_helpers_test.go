package models_test

import (
	"context"
	"fmt"
	"testing"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"bitbucket.org/mmdatafocus/capital_ledger/models"
	"bitbucket.org/mmdatafocus/capital_ledger/utils"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupCapitalStore installs a private in-memory database and Redis for one test.
func setupCapitalStore(t *testing.T) context.Context {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	config.UseRedis(client)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), config.InitGormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// one connection keeps the shared in-memory database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	config.UseDatabase(db)
	models.MigrateTable()

	t.Setenv("CAPITAL_LOCK_RETRY_COUNT", "500")
	t.Setenv("CAPITAL_LOCK_RETRY_INTERVAL_MS", "10")

	ctx := utils.SetOperatorInContext(context.Background(), "test")
	return utils.SetCorrelationIdInContext(ctx, "test-correlation")
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func createVendor(t *testing.T, ctx context.Context, initial string) *models.Vendor {
	t.Helper()
	vendor, err := models.CreateVendor(ctx, &models.NewVendor{Name: "Vendor " + initial, InitialCapital: d(initial)})
	if err != nil {
		t.Fatalf("CreateVendor: %v", err)
	}
	return vendor
}

func mustApply(t *testing.T, ctx context.Context, vendorId string, txType models.CapitalTransactionType, amount string) *models.CapitalTransaction {
	t.Helper()
	record, err := models.ApplyCapitalTransaction(ctx, &models.NewCapitalTransaction{
		VendorId: vendorId,
		Type:     txType,
		Amount:   d(amount),
	})
	if err != nil {
		t.Fatalf("ApplyCapitalTransaction(%s %s): %v", txType, amount, err)
	}
	return record
}

func assertBalance(t *testing.T, ctx context.Context, vendorId string, want string) {
	t.Helper()
	got, err := models.GetCapitalBalance(ctx, vendorId)
	if err != nil {
		t.Fatalf("GetCapitalBalance: %v", err)
	}
	if !got.Equal(d(want)) {
		t.Fatalf("capital balance = %s, want %s", got, want)
	}
}

func assertNoDrift(t *testing.T, ctx context.Context, vendorId string) *models.DriftReport {
	t.Helper()
	report, err := models.Reconcile(ctx, vendorId)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.Delta.IsZero() {
		t.Fatalf("delta = %s (expected %s, actual %s), want 0", report.Delta, report.ExpectedBalance, report.ActualBalance)
	}
	return report
}
