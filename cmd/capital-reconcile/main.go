package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"bitbucket.org/mmdatafocus/capital_ledger/models"
	"bitbucket.org/mmdatafocus/capital_ledger/utils"
	"bitbucket.org/mmdatafocus/capital_ledger/workflow"
	"github.com/shopspring/decimal"
)

func main() {
	vendorIDs := flag.String("vendor-id", "", "Optional: comma separated vendor ids (default: all vendors)")
	epsilonRaw := flag.String("epsilon", "", "Optional: drift tolerance (default CAPITAL_DRIFT_EPSILON or 0.01)")
	dryRun := flag.Bool("dry-run", false, "Compute only (no drift reports recorded, nothing published)")
	notify := flag.Bool("notify", false, "Publish recorded drift reports to PUBSUB_TOPIC_CAPITAL_DRIFT")
	export := flag.Bool("export", false, "Upload an xlsx of drifted vendors to GCS_BUCKET")
	linkTTL := flag.Duration("export-link-ttl", 24*time.Hour, "Signed download link lifetime for --export (0 disables)")
	verify := flag.Bool("verify-ledger", false, "Also verify each vendor's ledger chain")
	migrate := flag.Bool("migrate", false, "Run AutoMigrate before reconciling")
	flag.Parse()

	var epsilon *decimal.Decimal
	if strings.TrimSpace(*epsilonRaw) != "" {
		v, err := utils.ParseDecimal(*epsilonRaw)
		if err != nil || v.IsNegative() {
			fmt.Fprintf(os.Stderr, "invalid --epsilon %q\n", *epsilonRaw)
			os.Exit(2)
		}
		epsilon = &v
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if *migrate {
		models.MigrateTable()
	}

	logger := config.GetLogger()
	ctx := utils.SetOperatorInContext(context.Background(), "capital-reconcile")
	ctx = utils.SetCorrelationIdInContext(ctx, utils.CorrelationIdFromContextOrNew(ctx))

	opts := workflow.ReconcileOptions{
		VendorIds: splitIds(*vendorIDs),
		Epsilon:   epsilon,
		DryRun:    *dryRun,
	}
	if *notify && !*dryRun {
		notifier := workflow.NewPubSubDriftNotifier("")
		if notifier.Topic == "" {
			fmt.Fprintln(os.Stderr, "--notify needs PUBSUB_TOPIC_CAPITAL_DRIFT")
			os.Exit(2)
		}
		if err := notifier.EnsureTopic(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "pubsub topic: %v\n", err)
			os.Exit(1)
		}
		opts.Notifier = notifier
	}

	summary, err := workflow.ReconcileVendors(ctx, logger, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed: %v\n", err)
		os.Exit(1)
	}

	for _, r := range summary.Results {
		if r.Error != "" {
			fmt.Printf("vendor_id=%s error=%q\n", r.VendorId, r.Error)
			continue
		}
		line := fmt.Sprintf("vendor_id=%s expected=%s actual=%s delta=%s drifted=%t",
			r.VendorId, r.Report.ExpectedBalance.StringFixed(4), r.Report.ActualBalance.StringFixed(4), r.Report.Delta.StringFixed(4), r.Drifted)
		if r.Recorded != nil {
			line += fmt.Sprintf(" drift_report_id=%d", r.Recorded.ID)
		}
		if r.NotifyError != "" {
			line += fmt.Sprintf(" notify_error=%q", r.NotifyError)
		}
		fmt.Println(line)

		if *verify {
			verification, err := models.VerifyCapitalLedger(ctx, r.VendorId)
			if err != nil && !errors.Is(err, models.ErrLedgerIntegrity) {
				fmt.Printf("  verify error=%q\n", err.Error())
				continue
			}
			fmt.Printf("  ledger rows=%d ok=%t\n", verification.TransactionCount, verification.OK())
			for _, p := range verification.Problems {
				fmt.Printf("  - %s\n", p)
			}
		}
	}
	fmt.Printf("checked=%d drifted=%d failed=%d\n", summary.Checked, summary.Drifted, summary.Failed)

	if *export {
		reports := summary.DriftedReports()
		if len(reports) == 0 {
			fmt.Println("export skipped: no recorded drift reports")
		} else {
			exported, err := workflow.ExportDriftReports(ctx, logger, reports, time.Now(), *linkTTL)
			if err != nil {
				fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("exported=%s\n", exported.ObjectURL)
			if exported.Download != nil {
				fmt.Printf("download=%s expires=%s\n", exported.Download.URL, exported.Download.ExpiresAt.UTC().Format(time.RFC3339))
			}
		}
	}

	if summary.Failed > 0 {
		os.Exit(1)
	}
	if summary.Drifted > 0 {
		os.Exit(3)
	}
}

func splitIds(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
