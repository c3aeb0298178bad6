package workflow_test

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"bitbucket.org/mmdatafocus/capital_ledger/models"
	"bitbucket.org/mmdatafocus/capital_ledger/workflow"
)

func TestApplyCorrection_ResolvesPositiveDrift(t *testing.T) {
	ctx := setupWorkflowStore(t)
	vendor := driftedVendor(t, ctx, "1000", "100", "250")
	report := recordDrift(t, ctx, vendor.ID)
	if !report.Delta.Equal(d("250")) {
		t.Fatalf("delta = %s, want 250", report.Delta)
	}

	input := &workflow.CorrectionInput{
		VendorId:      vendor.ID,
		DriftReportId: report.ID,
		Delta:         report.Delta,
		Reason:        "unrecorded cash found at recount",
	}
	correction, err := workflow.ApplyCorrection(ctx, quietLogger(), input)
	if err != nil {
		t.Fatalf("ApplyCorrection: %v", err)
	}
	if correction.Direction != models.CapitalDirectionOut || !correction.Amount.Equal(d("250")) {
		t.Fatalf("correction = %s %s, want OUT 250", correction.Direction, correction.Amount)
	}
	if correction.DriftReportId == nil || *correction.DriftReportId != report.ID || correction.CreatedBy != "reviewer" {
		t.Fatalf("correction is not traceable to its report: %+v", correction)
	}

	balance, err := models.GetCapitalBalance(ctx, vendor.ID)
	if err != nil {
		t.Fatalf("GetCapitalBalance: %v", err)
	}
	if !balance.Equal(d("900")) {
		t.Fatalf("balance after correction = %s, want 900", balance)
	}
	after, err := models.Reconcile(ctx, vendor.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !after.Delta.IsZero() {
		t.Fatalf("delta after correction = %s", after.Delta)
	}

	stored, err := models.GetDriftReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetDriftReport: %v", err)
	}
	if stored.Status != models.DriftReportStatusCorrected || stored.CorrectionTransactionId == nil || *stored.CorrectionTransactionId != correction.ID {
		t.Fatalf("report after correction = %+v", stored)
	}

	if _, err := workflow.ApplyCorrection(ctx, quietLogger(), input); !errors.Is(err, models.ErrDuplicateCorrection) {
		t.Fatalf("replayed correction: expected ErrDuplicateCorrection, got %v", err)
	}
	balance, _ = models.GetCapitalBalance(ctx, vendor.ID)
	if !balance.Equal(d("900")) {
		t.Fatalf("replay moved the balance to %s", balance)
	}
}

func TestApplyCorrection_NegativeDriftCreditsCapital(t *testing.T) {
	ctx := setupWorkflowStore(t)
	vendor := driftedVendor(t, ctx, "1000", "10", "-40")
	report := recordDrift(t, ctx, vendor.ID)

	correction, err := workflow.ApplyCorrection(ctx, quietLogger(), &workflow.CorrectionInput{
		VendorId: vendor.ID, DriftReportId: report.ID, Delta: d("-40"), Reason: "cash short at close",
	})
	if err != nil {
		t.Fatalf("ApplyCorrection: %v", err)
	}
	if correction.Direction != models.CapitalDirectionIn || !correction.Amount.Equal(d("40")) {
		t.Fatalf("correction = %s %s, want IN 40", correction.Direction, correction.Amount)
	}
	if !correction.BalanceAfter.Equal(d("990")) {
		t.Fatalf("balance after = %s, want 990", correction.BalanceAfter)
	}
}

func TestApplyCorrection_Rejections(t *testing.T) {
	ctx := setupWorkflowStore(t)
	vendor := driftedVendor(t, ctx, "1000", "100", "250")
	other := driftedVendor(t, ctx, "500", "5", "1")
	report := recordDrift(t, ctx, vendor.ID)

	cases := []struct {
		name  string
		input *workflow.CorrectionInput
		want  error
	}{
		{"nil input", nil, models.ErrInvalidInput},
		{"missing report", &workflow.CorrectionInput{VendorId: vendor.ID, Delta: d("250"), Reason: "x"}, models.ErrInvalidInput},
		{"zero delta", &workflow.CorrectionInput{VendorId: vendor.ID, DriftReportId: report.ID, Reason: "x"}, models.ErrInvalidAmount},
		{"missing reason", &workflow.CorrectionInput{VendorId: vendor.ID, DriftReportId: report.ID, Delta: d("250")}, models.ErrInvalidInput},
		{"delta mismatch", &workflow.CorrectionInput{VendorId: vendor.ID, DriftReportId: report.ID, Delta: d("249"), Reason: "x"}, models.ErrInvalidInput},
		{"unknown report", &workflow.CorrectionInput{VendorId: vendor.ID, DriftReportId: 9999, Delta: d("250"), Reason: "x"}, models.ErrDriftReportNotFound},
		{"other vendor's report", &workflow.CorrectionInput{VendorId: other.ID, DriftReportId: report.ID, Delta: d("250"), Reason: "x"}, models.ErrDriftReportNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := workflow.ApplyCorrection(ctx, quietLogger(), tc.input); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := models.DismissDriftReport(ctx, report.ID, "explained by a late bank deposit"); err != nil {
		t.Fatalf("DismissDriftReport: %v", err)
	}
	_, err := workflow.ApplyCorrection(ctx, quietLogger(), &workflow.CorrectionInput{
		VendorId: vendor.ID, DriftReportId: report.ID, Delta: d("250"), Reason: "too late",
	})
	if !errors.Is(err, models.ErrDriftReportClosed) {
		t.Fatalf("correcting a dismissed report: expected ErrDriftReportClosed, got %v", err)
	}

	balance, err := models.GetCapitalBalance(ctx, vendor.ID)
	if err != nil {
		t.Fatalf("GetCapitalBalance: %v", err)
	}
	if !balance.Equal(d("1150")) {
		t.Fatalf("rejected corrections moved the balance to %s", balance)
	}
}

func TestApplyCorrection_DriftRecordedAcrossLedgerMovesIsCorrectedOnce(t *testing.T) {
	ctx := setupWorkflowStore(t)
	vendor := driftedVendor(t, ctx, "1000", "100", "250")
	first := recordDrift(t, ctx, vendor.ID)
	if _, err := models.ApplyCapitalTransaction(ctx, &models.NewCapitalTransaction{
		VendorId: vendor.ID, Type: models.CapitalTransactionTypeDeposit, Amount: d("5"),
	}); err != nil {
		t.Fatalf("ApplyCapitalTransaction: %v", err)
	}
	second := recordDrift(t, ctx, vendor.ID)

	if _, err := workflow.ApplyCorrection(ctx, quietLogger(), &workflow.CorrectionInput{
		VendorId: vendor.ID, DriftReportId: first.ID, Delta: first.Delta, Reason: "recount at branch",
	}); err != nil {
		t.Fatalf("ApplyCorrection: %v", err)
	}
	_, err := workflow.ApplyCorrection(ctx, quietLogger(), &workflow.CorrectionInput{
		VendorId: vendor.ID, DriftReportId: second.ID, Delta: second.Delta, Reason: "recount at head office",
	})
	if !errors.Is(err, models.ErrDriftReportClosed) {
		t.Fatalf("second correction of one drift: expected ErrDriftReportClosed, got %v", err)
	}

	after, err := models.Reconcile(ctx, vendor.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !after.Delta.IsZero() || !after.ActualBalance.Equal(d("905")) {
		t.Fatalf("after corrections: balance %s delta %s", after.ActualBalance, after.Delta)
	}
}

func TestApplyCorrection_RejectsStaleReport(t *testing.T) {
	ctx := setupWorkflowStore(t)
	vendor := driftedVendor(t, ctx, "1000", "100", "250")
	report := recordDrift(t, ctx, vendor.ID)

	// the drift is undone outside the workflow after the report was recorded
	if err := config.GetDB().Exec("UPDATE vendors SET capital_balance = capital_balance - 250 WHERE id = ?", vendor.ID).Error; err != nil {
		t.Fatalf("direct update: %v", err)
	}

	_, err := workflow.ApplyCorrection(ctx, quietLogger(), &workflow.CorrectionInput{
		VendorId: vendor.ID, DriftReportId: report.ID, Delta: report.Delta, Reason: "recount",
	})
	if !errors.Is(err, models.ErrDriftReportStale) || !models.IsBusinessRuleViolation(err) {
		t.Fatalf("expected ErrDriftReportStale, got %v", err)
	}

	balance, err := models.GetCapitalBalance(ctx, vendor.ID)
	if err != nil {
		t.Fatalf("GetCapitalBalance: %v", err)
	}
	if !balance.Equal(d("900")) {
		t.Fatalf("stale correction moved the balance to %s", balance)
	}
	stored, err := models.GetDriftReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetDriftReport: %v", err)
	}
	if stored.Status != models.DriftReportStatusOpen || stored.CorrectionTransactionId != nil {
		t.Fatalf("rejected correction changed the report: %+v", stored)
	}
}

func TestCorrectionDedupKey(t *testing.T) {
	a := workflow.CorrectionDedupKey("v1", " recount ", d("250"), 7)
	b := workflow.CorrectionDedupKey("v1", "recount", d("250.0000"), 7)
	if a != b {
		t.Fatalf("keys differ for the same correction: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("key length = %d", len(a))
	}
	if a == workflow.CorrectionDedupKey("v1", "recount", d("250"), 8) {
		t.Fatalf("different reports must not share a key")
	}
	if a == workflow.CorrectionDedupKey("v1", "recount", d("-250"), 7) {
		t.Fatalf("opposite deltas must not share a key")
	}
}
