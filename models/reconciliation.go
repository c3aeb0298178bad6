package models

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"bitbucket.org/mmdatafocus/capital_ledger/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// DriftReport compares the materialized balance with the balance implied by
// current inventory valuation and the ledger movements inventory does not capture.
// It carries no wall-clock fields; LastTransactionId identifies the ledger state it saw.
type DriftReport struct {
	VendorId                      string          `json:"vendor_id"`
	InitialCapital                decimal.Decimal `json:"initial_capital"`
	OwnedValue                    decimal.Decimal `json:"owned_value"`
	OfflineStockValue             decimal.Decimal `json:"offline_stock_value"`
	OfflinePendingCollectionValue decimal.Decimal `json:"offline_pending_collection_value"`
	// signed sums of the ledger buckets that feed the expected balance, keyed by type
	LedgerTerms       map[CapitalTransactionType]decimal.Decimal `json:"ledger_terms"`
	LedgerAdjustment  decimal.Decimal                            `json:"ledger_adjustment"`
	ExpectedBalance   decimal.Decimal                            `json:"expected_balance"`
	ActualBalance     decimal.Decimal                            `json:"actual_balance"`
	Delta             decimal.Decimal                            `json:"delta"`
	LastTransactionId int                                        `json:"last_transaction_id"`
	TransactionCount  int64                                      `json:"transaction_count"`
	StockItemCount    int                                        `json:"stock_item_count"`
}

// Term returns the signed ledger sum of one type; zero when the type does not feed the formula.
func (r *DriftReport) Term(t CapitalTransactionType) decimal.Decimal {
	if v, ok := r.LedgerTerms[t]; ok {
		return v
	}
	return decimal.Zero
}

// Drifted reports |delta| > epsilon.
func (r *DriftReport) Drifted(epsilon decimal.Decimal) bool {
	return r.Delta.Abs().GreaterThan(epsilon)
}

// Err is ErrDriftDetected when the report is outside epsilon, nil otherwise.
func (r *DriftReport) Err(epsilon decimal.Decimal) error {
	if !r.Drifted(epsilon) {
		return nil
	}
	return NewCapitalError(ErrDriftDetected, "vendor %s: actual %s, expected %s, delta %s",
		r.VendorId, r.ActualBalance.StringFixed(4), r.ExpectedBalance.StringFixed(4), r.Delta.StringFixed(4))
}

// expectedLedgerAdjustment applies the reconcile treatment of each ledger bucket.
func expectedLedgerAdjustment(totals []CapitalTransactionTotal) (map[CapitalTransactionType]decimal.Decimal, decimal.Decimal, error) {
	terms := make(map[CapitalTransactionType]decimal.Decimal)
	adjustment := decimal.Zero
	for _, total := range totals {
		rule, ok := lookupCapitalTransactionRule(total.Type)
		if !ok {
			return nil, decimal.Zero, NewCapitalError(ErrLedgerIntegrity, "ledger holds unknown transaction type %q", total.Type)
		}

		counted := false
		switch rule.Reconcile {
		case ReconcileCounted:
			counted = true
		case ReconcileCountedUnlessStockLinked:
			counted = !total.StockLinked
		case ReconcileCountedUnlessDriftResolution:
			counted = !total.DriftResolution
		case ReconcileImpliedByInventory:
		}
		if !counted {
			continue
		}

		signed := total.Signed()
		terms[total.Type] = terms[total.Type].Add(signed)
		adjustment = adjustment.Add(signed)
	}
	return terms, adjustment, nil
}

// Reconcile computes the drift report of one vendor. It never writes and never takes the vendor lock;
// vendor row, valuation and ledger sums all come from one read snapshot.
func Reconcile(ctx context.Context, vendorId string) (*DriftReport, error) {
	ctx, span := tracer.Start(ctx, "capital.reconcile", trace.WithAttributes(attribute.String("vendor.id", vendorId)))
	defer span.End()

	var report *DriftReport
	err := readSnapshot(ctx, config.GetDB(), func(tx *gorm.DB) error {
		r, err := ReconcileTx(tx, vendorId)
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("capital.delta", report.Delta.String()))
	return report, nil
}

// ReconcileTx computes the drift report from tx. Writers holding the vendor capital lock
// use it to check the drift they are about to resolve.
func ReconcileTx(tx *gorm.DB, vendorId string) (*DriftReport, error) {
	vendor, err := getVendorTx(tx, vendorId)
	if err != nil {
		return nil, err
	}
	valuation, err := valuateInventoryTx(tx, vendorId)
	if err != nil {
		return nil, err
	}
	totals, err := sumCapitalTransactionsTx(tx, vendorId)
	if err != nil {
		return nil, err
	}
	terms, adjustment, err := expectedLedgerAdjustment(totals)
	if err != nil {
		return nil, err
	}

	var count int64
	for _, total := range totals {
		count += total.Count
	}

	expected := vendor.InitialCapital.
		Sub(valuation.OwnedValue).
		Sub(valuation.OfflineStockValue).
		Sub(valuation.OfflinePendingCollectionValue).
		Add(adjustment)

	return &DriftReport{
		VendorId:                      vendor.ID,
		InitialCapital:                vendor.InitialCapital,
		OwnedValue:                    valuation.OwnedValue,
		OfflineStockValue:             valuation.OfflineStockValue,
		OfflinePendingCollectionValue: valuation.OfflinePendingCollectionValue,
		LedgerTerms:                   terms,
		LedgerAdjustment:              adjustment,
		ExpectedBalance:               expected,
		ActualBalance:                 vendor.CapitalBalance,
		Delta:                         vendor.CapitalBalance.Sub(expected),
		LastTransactionId:             vendor.LastTransactionId,
		TransactionCount:              count,
		StockItemCount:                valuation.ItemCount,
	}, nil
}

// CapitalDriftReport is a drift report kept for review. It is closed either by a
// correction (CORRECTED) or by an operator decision (DISMISSED).
type CapitalDriftReport struct {
	ID                            int               `gorm:"primary_key" json:"id"`
	VendorId                      string            `gorm:"size:64;index;not null" json:"vendor_id"`
	InitialCapital                decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"initial_capital"`
	OwnedValue                    decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"owned_value"`
	OfflineStockValue             decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"offline_stock_value"`
	OfflinePendingCollectionValue decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"offline_pending_collection_value"`
	Deposits                      decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"deposits"`
	Withdrawals                   decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"withdrawals"`
	Expenses                      decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"expenses"`
	SupplierPayments              decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"supplier_payments"`
	Corrections                   decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"corrections"`
	ExpectedBalance               decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"expected_balance"`
	ActualBalance                 decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"actual_balance"`
	Delta                         decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"delta"`
	LastTransactionId             int               `gorm:"index" json:"last_transaction_id"`
	Status                        DriftReportStatus `gorm:"size:20;index;not null" json:"status"`
	CorrectionTransactionId       *int              `json:"correction_transaction_id"`
	ResolvedBy                    string            `gorm:"size:100" json:"resolved_by"`
	ResolutionNote                string            `gorm:"size:255" json:"resolution_note"`
	CorrelationId                 string            `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt                     time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// node
func (r CapitalDriftReport) GetCursor() string {
	return strconv.Itoa(r.ID)
}

type CapitalDriftReportsEdge Edge[CapitalDriftReport]

type CapitalDriftReportsConnection struct {
	Edges    []*CapitalDriftReportsEdge `json:"edges"`
	PageInfo *PageInfo                  `json:"pageInfo"`
}

// RecordDriftReport persists a report as OPEN.
// A vendor has at most one OPEN report: recording the same delta again returns the open report
// already on file, whatever ledger head it was taken at, and a different delta supersedes it.
func RecordDriftReport(ctx context.Context, report *DriftReport) (*CapitalDriftReport, error) {
	if report == nil {
		return nil, NewCapitalError(ErrInvalidInput, "drift report is required")
	}
	db := config.GetDB()

	var recorded *CapitalDriftReport
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// serializes recorders of one vendor
		if _, err := lockVendorForUpdate(tx, report.VendorId); err != nil {
			return err
		}

		var open []*CapitalDriftReport
		if err := tx.Where("vendor_id = ? AND status = ?", report.VendorId, DriftReportStatusOpen).
			Order("id DESC").
			Find(&open).Error; err != nil {
			return err
		}
		for _, existing := range open {
			if existing.Delta.Round(MoneyScale).Equal(report.Delta.Round(MoneyScale)) {
				recorded = existing
				return nil
			}
		}

		record := CapitalDriftReport{
			VendorId:                      report.VendorId,
			InitialCapital:                report.InitialCapital,
			OwnedValue:                    report.OwnedValue,
			OfflineStockValue:             report.OfflineStockValue,
			OfflinePendingCollectionValue: report.OfflinePendingCollectionValue,
			Deposits:                      report.Term(CapitalTransactionTypeDeposit),
			Withdrawals:                   report.Term(CapitalTransactionTypeWithdrawal),
			Expenses:                      report.Term(CapitalTransactionTypeExpense),
			SupplierPayments:              report.Term(CapitalTransactionTypePaymentToSupplier),
			Corrections:                   report.Term(CapitalTransactionTypeCorrection),
			ExpectedBalance:               report.ExpectedBalance,
			ActualBalance:                 report.ActualBalance,
			Delta:                         report.Delta,
			LastTransactionId:             report.LastTransactionId,
			Status:                        DriftReportStatusOpen,
			CorrelationId:                 utils.CorrelationIdFromContextOrNew(ctx),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		operator, _ := utils.GetOperatorFromContext(ctx)
		for _, existing := range open {
			note := fmt.Sprintf("superseded by drift report %d", record.ID)
			if err := closeDriftReportTx(tx, existing, DriftReportStatusDismissed, operator, note, nil); err != nil {
				return err
			}
		}
		recorded = &record
		return nil
	})
	if err != nil {
		config.LogError(config.GetLogger(), "ReconciliationEngine", "RecordDriftReport", "record drift report", report, err)
		return nil, err
	}
	return recorded, nil
}

func GetDriftReport(ctx context.Context, id int) (*CapitalDriftReport, error) {
	db := config.GetDB()
	return getDriftReportTx(db.WithContext(ctx), id)
}

func getDriftReportTx(tx *gorm.DB, id int) (*CapitalDriftReport, error) {
	var report CapitalDriftReport
	if err := tx.Where("id = ?", id).First(&report).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewCapitalError(ErrDriftReportNotFound, "drift report %d not found", id)
		}
		return nil, err
	}
	return &report, nil
}

// GetOpenDriftReportTx loads a report that must belong to vendorId and still be OPEN.
func GetOpenDriftReportTx(tx *gorm.DB, vendorId string, id int) (*CapitalDriftReport, error) {
	report, err := getDriftReportTx(tx, id)
	if err != nil {
		return nil, err
	}
	if report.VendorId != vendorId {
		return nil, NewCapitalError(ErrDriftReportNotFound, "drift report %d not found for vendor %s", id, vendorId)
	}
	if report.Status != DriftReportStatusOpen {
		return nil, NewCapitalError(ErrDriftReportClosed, "drift report %d is %s", id, report.Status)
	}
	return report, nil
}

// closeDriftReportTx moves an OPEN report to status; losing a race to another close fails with ErrDriftReportClosed.
func closeDriftReportTx(tx *gorm.DB, report *CapitalDriftReport, status DriftReportStatus, resolvedBy string, note string, correctionId *int) error {
	res := tx.Model(&CapitalDriftReport{}).
		Where("id = ? AND status = ?", report.ID, DriftReportStatusOpen).
		Updates(map[string]interface{}{
			"status":                    status,
			"resolved_by":               resolvedBy,
			"resolution_note":           note,
			"correction_transaction_id": correctionId,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return NewCapitalError(ErrDriftReportClosed, "drift report %d is no longer open", report.ID)
	}
	report.Status = status
	report.ResolvedBy = resolvedBy
	report.ResolutionNote = note
	report.CorrectionTransactionId = correctionId
	return nil
}

// MarkDriftReportCorrectedTx closes a report with the correction that resolved it.
// It runs inside the correction's DB transaction.
func MarkDriftReportCorrectedTx(ctx context.Context, tx *gorm.DB, report *CapitalDriftReport, correction *CapitalTransaction) error {
	operator, _ := utils.GetOperatorFromContext(ctx)
	return closeDriftReportTx(tx.WithContext(ctx), report, DriftReportStatusCorrected, operator, correction.Description, &correction.ID)
}

// DismissDriftReport closes a report without a correction (explained drift, duplicate report).
func DismissDriftReport(ctx context.Context, id int, note string) (*CapitalDriftReport, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, NewCapitalError(ErrInvalidInput, "a dismissal note is required")
	}
	operator, _ := utils.GetOperatorFromContext(ctx)

	var report *CapitalDriftReport
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getDriftReportTx(tx, id)
		if err != nil {
			return err
		}
		if r.Status != DriftReportStatusOpen {
			return NewCapitalError(ErrDriftReportClosed, "drift report %d is %s", id, r.Status)
		}
		if err := closeDriftReportTx(tx, r, DriftReportStatusDismissed, operator, note, nil); err != nil {
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ListDriftReports pages newest first. Empty filters match everything.
func ListDriftReports(ctx context.Context, vendorId string, status DriftReportStatus, limit int, after *string) (*CapitalDriftReportsConnection, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	if vendorId != "" {
		dbCtx = dbCtx.Where("vendor_id = ?", vendorId)
	}
	if status != "" {
		dbCtx = dbCtx.Where("status = ?", status)
	}
	edges, pageInfo, err := FetchPagePureCursor[CapitalDriftReport](dbCtx, limit, after, "id", "<")
	if err != nil {
		return nil, err
	}

	conn := CapitalDriftReportsConnection{PageInfo: pageInfo}
	for _, edge := range edges {
		e := CapitalDriftReportsEdge(edge)
		conn.Edges = append(conn.Edges, &e)
	}
	return &conn, nil
}
