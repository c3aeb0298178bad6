package workflow_test

import (
	"context"
	"fmt"
	"io"
	"testing"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"bitbucket.org/mmdatafocus/capital_ledger/models"
	"bitbucket.org/mmdatafocus/capital_ledger/utils"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupWorkflowStore(t *testing.T) context.Context {
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
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	config.UseDatabase(db)
	models.MigrateTable()

	t.Setenv("CAPITAL_DRIFT_EPSILON", "0.01")

	ctx := utils.SetOperatorInContext(context.Background(), "reviewer")
	return utils.SetCorrelationIdInContext(ctx, "workflow-test")
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// driftedVendor creates a vendor whose balance was edited outside the engine by shift.
func driftedVendor(t *testing.T, ctx context.Context, initial string, expense string, shift string) *models.Vendor {
	t.Helper()
	vendor, err := models.CreateVendor(ctx, &models.NewVendor{Name: "Drifted " + initial, InitialCapital: d(initial)})
	if err != nil {
		t.Fatalf("CreateVendor: %v", err)
	}
	if _, err := models.ApplyCapitalTransaction(ctx, &models.NewCapitalTransaction{
		VendorId: vendor.ID, Type: models.CapitalTransactionTypeExpense, Amount: d(expense),
	}); err != nil {
		t.Fatalf("ApplyCapitalTransaction: %v", err)
	}
	if err := config.GetDB().Exec("UPDATE vendors SET capital_balance = capital_balance + ? WHERE id = ?", d(shift), vendor.ID).Error; err != nil {
		t.Fatalf("direct update: %v", err)
	}
	return vendor
}

func recordDrift(t *testing.T, ctx context.Context, vendorId string) *models.CapitalDriftReport {
	t.Helper()
	report, err := models.Reconcile(ctx, vendorId)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	recorded, err := models.RecordDriftReport(ctx, report)
	if err != nil {
		t.Fatalf("RecordDriftReport: %v", err)
	}
	return recorded
}
