package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"bitbucket.org/mmdatafocus/capital_ledger/models"
	"bitbucket.org/mmdatafocus/capital_ledger/utils"
	"bitbucket.org/mmdatafocus/capital_ledger/workflow"
)

func main() {
	vendorID := flag.String("vendor-id", "", "Required: vendor id")
	driftReportID := flag.Int("drift-report-id", 0, "Drift report to resolve (omit to reconcile and record one)")
	deltaRaw := flag.String("delta", "", "Approved drift delta (actual - expected) of the report")
	reason := flag.String("reason", "", "Required with --delta: why the correction is applied")
	dismiss := flag.String("dismiss", "", "Close the drift report without a correction, with this note")
	operator := flag.String("operator", "", "Required: who approved the correction")
	flag.Parse()

	if strings.TrimSpace(*vendorID) == "" || strings.TrimSpace(*operator) == "" {
		fmt.Fprintln(os.Stderr, "--vendor-id and --operator are required")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	logger := config.GetLogger()
	ctx := utils.SetOperatorInContext(context.Background(), strings.TrimSpace(*operator))
	ctx = utils.SetCorrelationIdInContext(ctx, utils.CorrelationIdFromContextOrNew(ctx))

	// Without a report id: reconcile, record and print the report for approval.
	if *driftReportID <= 0 {
		report, err := models.Reconcile(ctx, strings.TrimSpace(*vendorID))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("vendor_id=%s expected=%s actual=%s delta=%s\n",
			report.VendorId, report.ExpectedBalance.StringFixed(4), report.ActualBalance.StringFixed(4), report.Delta.StringFixed(4))
		if !report.Drifted(config.CapitalDriftEpsilon()) {
			fmt.Println("no drift")
			return
		}
		recorded, err := models.RecordDriftReport(ctx, report)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("drift_report_id=%d status=%s\n", recorded.ID, recorded.Status)
		fmt.Printf("approve with: --drift-report-id=%d --delta=%s --reason=...\n", recorded.ID, recorded.Delta.StringFixed(4))
		return
	}

	if strings.TrimSpace(*dismiss) != "" {
		report, err := models.DismissDriftReport(ctx, *driftReportID, *dismiss)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("drift_report_id=%d status=%s\n", report.ID, report.Status)
		return
	}

	if strings.TrimSpace(*deltaRaw) == "" || strings.TrimSpace(*reason) == "" {
		fmt.Fprintln(os.Stderr, "--delta and --reason are required to apply a correction")
		os.Exit(2)
	}
	delta, err := utils.ParseDecimal(*deltaRaw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --delta %q: %v\n", *deltaRaw, err)
		os.Exit(2)
	}

	config.ConnectRedisWithRetry()
	correction, err := workflow.ApplyCorrection(ctx, logger, &workflow.CorrectionInput{
		VendorId:      strings.TrimSpace(*vendorID),
		DriftReportId: *driftReportID,
		Delta:         delta,
		Reason:        *reason,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed: %v\n", err)
		if models.IsContention(err) {
			os.Exit(4)
		}
		os.Exit(1)
	}
	fmt.Printf("transaction_id=%d direction=%s amount=%s balance_before=%s balance_after=%s\n",
		correction.ID, correction.Direction, correction.Amount.StringFixed(4), correction.BalanceBefore.StringFixed(4), correction.BalanceAfter.StringFixed(4))

	report, err := models.Reconcile(ctx, correction.VendorId)
	if err != nil {
		fmt.Fprintf(os.Stderr, "post-check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("post-check delta=%s\n", report.Delta.StringFixed(4))
}
