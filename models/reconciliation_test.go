package models_test

import (
	"errors"
	"fmt"
	"testing"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"bitbucket.org/mmdatafocus/capital_ledger/models"
	"github.com/shopspring/decimal"
)

func TestReconcile_MixedFlowsStayBalanced(t *testing.T) {
	ctx := setupCapitalStore(t)
	vendor := createVendor(t, ctx, "7500")
	assertNoDrift(t, ctx, vendor.ID)

	owned, err := models.PurchaseOwnedStock(ctx, &models.NewOwnedStockPurchase{
		VendorId: vendor.ID, ProductName: "Rice 5kg", UnitCost: d("100"), Quantity: d("12"),
	})
	if err != nil {
		t.Fatalf("PurchaseOwnedStock: %v", err)
	}
	assertNoDrift(t, ctx, vendor.ID)

	offline, err := models.PurchaseOfflineStock(ctx, &models.NewOfflineStockPurchase{
		VendorId: vendor.ID, ProductName: "Cooking oil", SupplierName: "Golden Supplier", PurchasePrice: d("50"), Quantity: d("10"),
	})
	if err != nil {
		t.Fatalf("PurchaseOfflineStock: %v", err)
	}
	assertNoDrift(t, ctx, vendor.ID)

	if _, err := models.SellOfflineStock(ctx, vendor.ID, offline.Item.ID, d("4")); err != nil {
		t.Fatalf("SellOfflineStock: %v", err)
	}
	assertNoDrift(t, ctx, vendor.ID)

	if _, err := models.CollectOfflineProceeds(ctx, vendor.ID, offline.Item.ID, d("200")); err != nil {
		t.Fatalf("CollectOfflineProceeds: %v", err)
	}
	assertNoDrift(t, ctx, vendor.ID)

	if _, err := models.SellOwnedStock(ctx, vendor.ID, owned.Item.ID, d("2")); err != nil {
		t.Fatalf("SellOwnedStock: %v", err)
	}
	mustApply(t, ctx, vendor.ID, models.CapitalTransactionTypeDeposit, "300")
	mustApply(t, ctx, vendor.ID, models.CapitalTransactionTypeWithdrawal, "100")
	mustApply(t, ctx, vendor.ID, models.CapitalTransactionTypeExpense, "45.5")
	if _, _, err := models.PaySupplier(ctx, &models.NewSupplierPayment{VendorId: vendor.ID, SupplierName: "Courier", Amount: d("20")}); err != nil {
		t.Fatalf("PaySupplier: %v", err)
	}

	report := assertNoDrift(t, ctx, vendor.ID)
	assertBalance(t, ctx, vendor.ID, "6334.5")

	checks := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"owned value", report.OwnedValue, "1000"},
		{"offline stock value", report.OfflineStockValue, "300"},
		{"pending collection", report.OfflinePendingCollectionValue, "0"},
		{"deposits", report.Term(models.CapitalTransactionTypeDeposit), "300"},
		{"withdrawals", report.Term(models.CapitalTransactionTypeWithdrawal), "-100"},
		{"expenses", report.Term(models.CapitalTransactionTypeExpense), "-45.5"},
		{"unlinked supplier payments", report.Term(models.CapitalTransactionTypePaymentToSupplier), "-20"},
		{"purchases are implied by inventory", report.Term(models.CapitalTransactionTypePurchase), "0"},
		{"ledger adjustment", report.LedgerAdjustment, "134.5"},
		{"expected", report.ExpectedBalance, "6334.5"},
	}
	for _, c := range checks {
		if !c.got.Equal(d(c.want)) {
			t.Errorf("%s = %s, want %s", c.name, c.got, c.want)
		}
	}
	if report.TransactionCount != 8 || report.StockItemCount != 2 {
		t.Fatalf("transaction count = %d, stock items = %d", report.TransactionCount, report.StockItemCount)
	}
}

func TestReconcile_IsReadOnlyAndRepeatable(t *testing.T) {
	ctx := setupCapitalStore(t)
	vendor := createVendor(t, ctx, "500")
	mustApply(t, ctx, vendor.ID, models.CapitalTransactionTypeDeposit, "50")

	first, err := models.Reconcile(ctx, vendor.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	second, err := models.Reconcile(ctx, vendor.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !first.Delta.Equal(second.Delta) || !first.ExpectedBalance.Equal(second.ExpectedBalance) || first.LastTransactionId != second.LastTransactionId {
		t.Fatalf("reconcile is not repeatable: %+v vs %+v", first, second)
	}

	stored, err := models.GetVendor(ctx, vendor.ID)
	if err != nil {
		t.Fatalf("GetVendor: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("reconcile must not write the vendor, version = %d", stored.Version)
	}

	if _, err := models.Reconcile(ctx, "missing-vendor"); !errors.Is(err, models.ErrVendorNotFound) {
		t.Fatalf("expected ErrVendorNotFound, got %v", err)
	}
}

func TestReconcile_DetectsDirectBalanceEdit(t *testing.T) {
	ctx := setupCapitalStore(t)
	vendor := createVendor(t, ctx, "1000")
	mustApply(t, ctx, vendor.ID, models.CapitalTransactionTypeExpense, "100")

	if err := config.GetDB().Exec("UPDATE vendors SET capital_balance = capital_balance + 250 WHERE id = ?", vendor.ID).Error; err != nil {
		t.Fatalf("direct update: %v", err)
	}

	report, err := models.Reconcile(ctx, vendor.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.Delta.Equal(d("250")) || !report.ExpectedBalance.Equal(d("900")) || !report.ActualBalance.Equal(d("1150")) {
		t.Fatalf("report = expected %s actual %s delta %s", report.ExpectedBalance, report.ActualBalance, report.Delta)
	}

	driftErr := report.Err(d("0.01"))
	if !errors.Is(driftErr, models.ErrDriftDetected) || !models.NeedsReview(driftErr) {
		t.Fatalf("expected a review error, got %v", driftErr)
	}
	if report.Err(d("250")) != nil {
		t.Fatalf("delta equal to epsilon is not drift")
	}
	if models.IsBusinessRuleViolation(driftErr) {
		t.Fatalf("drift must not be classified as a business rule violation")
	}
}

func TestRecordDriftReport_DedupsAndDismisses(t *testing.T) {
	ctx := setupCapitalStore(t)
	vendor := createVendor(t, ctx, "1000")
	mustApply(t, ctx, vendor.ID, models.CapitalTransactionTypeDeposit, "10")
	if err := config.GetDB().Exec("UPDATE vendors SET capital_balance = capital_balance - 40 WHERE id = ?", vendor.ID).Error; err != nil {
		t.Fatalf("direct update: %v", err)
	}

	report, err := models.Reconcile(ctx, vendor.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	first, err := models.RecordDriftReport(ctx, report)
	if err != nil {
		t.Fatalf("RecordDriftReport: %v", err)
	}
	if first.Status != models.DriftReportStatusOpen || !first.Delta.Equal(d("-40")) || !first.Deposits.Equal(d("10")) {
		t.Fatalf("recorded report = %+v", first)
	}
	if first.CorrelationId != "test-correlation" {
		t.Fatalf("correlation id = %q", first.CorrelationId)
	}

	again, err := models.RecordDriftReport(ctx, report)
	if err != nil {
		t.Fatalf("RecordDriftReport again: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("same ledger state recorded twice: %d and %d", first.ID, again.ID)
	}

	if _, err := models.DismissDriftReport(ctx, first.ID, "  "); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("dismiss without note: %v", err)
	}
	dismissed, err := models.DismissDriftReport(ctx, first.ID, "cash counted twice at branch")
	if err != nil {
		t.Fatalf("DismissDriftReport: %v", err)
	}
	if dismissed.Status != models.DriftReportStatusDismissed || dismissed.ResolvedBy != "test" || dismissed.CorrectionTransactionId != nil {
		t.Fatalf("dismissed report = %+v", dismissed)
	}
	if _, err := models.DismissDriftReport(ctx, first.ID, "again"); !errors.Is(err, models.ErrDriftReportClosed) {
		t.Fatalf("dismissing a closed report: %v", err)
	}
	if _, err := models.DismissDriftReport(ctx, 9999, "missing"); !errors.Is(err, models.ErrDriftReportNotFound) {
		t.Fatalf("dismissing a missing report: %v", err)
	}

	// a dismissed report no longer absorbs new recordings of the same state
	reopened, err := models.RecordDriftReport(ctx, report)
	if err != nil {
		t.Fatalf("RecordDriftReport after dismissal: %v", err)
	}
	if reopened.ID == first.ID {
		t.Fatalf("expected a new open report")
	}

	open, err := models.ListDriftReports(ctx, vendor.ID, models.DriftReportStatusOpen, 10, nil)
	if err != nil {
		t.Fatalf("ListDriftReports: %v", err)
	}
	if len(open.Edges) != 1 || open.Edges[0].Node.ID != reopened.ID {
		t.Fatalf("open reports = %d", len(open.Edges))
	}
	all, err := models.ListDriftReports(ctx, vendor.ID, "", 10, nil)
	if err != nil {
		t.Fatalf("ListDriftReports: %v", err)
	}
	if len(all.Edges) != 2 || all.Edges[0].Node.ID != reopened.ID {
		t.Fatalf("reports are not newest first")
	}
}

func TestVerifyCapitalLedger(t *testing.T) {
	ctx := setupCapitalStore(t)
	vendor := createVendor(t, ctx, "1000")
	mustApply(t, ctx, vendor.ID, models.CapitalTransactionTypeDeposit, "200")
	mustApply(t, ctx, vendor.ID, models.CapitalTransactionTypeExpense, "75")

	result, err := models.VerifyCapitalLedger(ctx, vendor.ID)
	if err != nil {
		t.Fatalf("VerifyCapitalLedger: %v", err)
	}
	if !result.OK() || result.TransactionCount != 2 || !result.SignedTotal.Equal(d("125")) {
		t.Fatalf("verification = %+v", result)
	}

	empty := createVendor(t, ctx, "50")
	if result, err := models.VerifyCapitalLedger(ctx, empty.ID); err != nil || !result.OK() {
		t.Fatalf("empty ledger: %+v, %v", result, err)
	}

	if err := config.GetDB().Exec("UPDATE capital_transactions SET amount = 80 WHERE vendor_id = ? AND type = ?", vendor.ID, models.CapitalTransactionTypeExpense).Error; err != nil {
		t.Fatalf("direct update: %v", err)
	}
	result, err = models.VerifyCapitalLedger(ctx, vendor.ID)
	if !errors.Is(err, models.ErrLedgerIntegrity) {
		t.Fatalf("expected ErrLedgerIntegrity, got %v", err)
	}
	if result == nil || result.OK() {
		t.Fatalf("tampered ledger must list problems")
	}
}

func TestRecordDriftReport_OneOpenReportPerVendor(t *testing.T) {
	ctx := setupCapitalStore(t)
	vendor := createVendor(t, ctx, "1000")
	shift := func(amount string) {
		t.Helper()
		if err := config.GetDB().Exec("UPDATE vendors SET capital_balance = capital_balance + ? WHERE id = ?", d(amount), vendor.ID).Error; err != nil {
			t.Fatalf("direct update: %v", err)
		}
	}
	record := func() *models.CapitalDriftReport {
		t.Helper()
		report, err := models.Reconcile(ctx, vendor.ID)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		recorded, err := models.RecordDriftReport(ctx, report)
		if err != nil {
			t.Fatalf("RecordDriftReport: %v", err)
		}
		return recorded
	}

	shift("250")
	first := record()

	// the ledger head moves but the drift is the same
	mustApply(t, ctx, vendor.ID, models.CapitalTransactionTypeDeposit, "5")
	second := record()
	if second.ID != first.ID {
		t.Fatalf("same drift at a new ledger head recorded twice: %d and %d", first.ID, second.ID)
	}

	shift("10")
	third := record()
	if third.ID == first.ID || !third.Delta.Equal(d("260")) {
		t.Fatalf("changed drift = %+v", third)
	}
	superseded, err := models.GetDriftReport(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetDriftReport: %v", err)
	}
	if superseded.Status != models.DriftReportStatusDismissed || superseded.ResolutionNote != fmt.Sprintf("superseded by drift report %d", third.ID) {
		t.Fatalf("older report = %+v", superseded)
	}

	open, err := models.ListDriftReports(ctx, vendor.ID, models.DriftReportStatusOpen, 10, nil)
	if err != nil {
		t.Fatalf("ListDriftReports: %v", err)
	}
	if len(open.Edges) != 1 || open.Edges[0].Node.ID != third.ID {
		t.Fatalf("open reports = %d", len(open.Edges))
	}

	if _, err := models.RecordDriftReport(ctx, &models.DriftReport{VendorId: "missing", Delta: d("1")}); !errors.Is(err, models.ErrVendorNotFound) {
		t.Fatalf("recording for a missing vendor: %v", err)
	}
}
