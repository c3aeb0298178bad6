package models

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CapitalTransaction is one immutable capital movement. Rows are only ever inserted;
// a wrong movement is fixed by a later CORRECTION, never by editing or deleting.
type CapitalTransaction struct {
	ID            int                    `gorm:"primary_key" json:"id"`
	VendorId      string                 `gorm:"size:64;index;not null" json:"vendor_id"`
	Type          CapitalTransactionType `gorm:"size:40;index;not null" json:"type"`
	Direction     CapitalDirection       `gorm:"size:3;not null" json:"direction"`
	Amount        decimal.Decimal        `gorm:"type:decimal(20,4);not null" json:"amount"`
	BalanceBefore decimal.Decimal        `gorm:"type:decimal(20,4);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal        `gorm:"type:decimal(20,4);not null" json:"balance_after"`
	Description   string                 `gorm:"size:255" json:"description"`
	ReferenceType CapitalReferenceType   `gorm:"size:40;index" json:"reference_type"`
	ReferenceId   int                    `gorm:"index" json:"reference_id"`
	StockItemId   *int                   `gorm:"index" json:"stock_item_id"`
	DriftReportId *int                   `gorm:"index" json:"drift_report_id"`
	DedupKey      *string                `gorm:"size:64;uniqueIndex" json:"dedup_key"`
	CorrelationId string                 `gorm:"size:64;index" json:"correlation_id"`
	CreatedBy     string                 `gorm:"size:100" json:"created_by"`
	CreatedAt     time.Time              `json:"created_at"`
}

// SignedAmount is +Amount for IN and -Amount for OUT.
func (t CapitalTransaction) SignedAmount() decimal.Decimal {
	return t.Amount.Mul(t.Direction.Sign())
}

// node
func (t CapitalTransaction) GetCursor() string {
	return strconv.Itoa(t.ID)
}

type CapitalTransactionsEdge Edge[CapitalTransaction]

type CapitalTransactionsConnection struct {
	Edges    []*CapitalTransactionsEdge `json:"edges"`
	PageInfo *PageInfo                  `json:"pageInfo"`
}

// ListCapitalTransactions pages through a vendor's ledger in application order.
func ListCapitalTransactions(ctx context.Context, vendorId string, limit int, after *string) (*CapitalTransactionsConnection, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("vendor_id = ?", vendorId)
	edges, pageInfo, err := FetchPagePureCursor[CapitalTransaction](dbCtx, limit, after, "id", ">")
	if err != nil {
		return nil, err
	}

	conn := CapitalTransactionsConnection{PageInfo: pageInfo}
	for _, edge := range edges {
		e := CapitalTransactionsEdge(edge)
		conn.Edges = append(conn.Edges, &e)
	}
	return &conn, nil
}

// CapitalTransactionExistsByDedupKeyTx reports whether a movement with this dedup key was already applied.
func CapitalTransactionExistsByDedupKeyTx(tx *gorm.DB, dedupKey string) (bool, error) {
	var count int64
	if err := tx.Model(&CapitalTransaction{}).Where("dedup_key = ?", dedupKey).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CapitalTransactionTotal is the sum of one ledger bucket.
// Buckets split a type by whether rows reference a stock item or resolve a drift report,
// which is what the reconciliation rules need.
type CapitalTransactionTotal struct {
	Type            CapitalTransactionType `json:"type"`
	Direction       CapitalDirection       `json:"direction"`
	StockLinked     bool                   `json:"stock_linked"`
	DriftResolution bool                   `json:"drift_resolution"`
	Amount          decimal.Decimal        `json:"amount"`
	Count           int64                  `json:"count"`
}

// Signed applies the bucket's direction.
func (t CapitalTransactionTotal) Signed() decimal.Decimal {
	return t.Amount.Mul(t.Direction.Sign())
}

func sumCapitalTransactionsTx(tx *gorm.DB, vendorId string) ([]CapitalTransactionTotal, error) {
	type totalRow struct {
		Type            CapitalTransactionType
		Direction       CapitalDirection
		StockLinked     int
		DriftResolution int
		Total           decimal.Decimal
		Cnt             int64
	}
	var rows []totalRow
	if err := tx.Model(&CapitalTransaction{}).
		Select(`type, direction,
			CASE WHEN stock_item_id IS NULL THEN 0 ELSE 1 END AS stock_linked,
			CASE WHEN drift_report_id IS NULL THEN 0 ELSE 1 END AS drift_resolution,
			COALESCE(SUM(amount), 0) AS total,
			COUNT(*) AS cnt`).
		Where("vendor_id = ?", vendorId).
		Group("type, direction, stock_linked, drift_resolution").
		Order("type, direction, stock_linked, drift_resolution").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	totals := make([]CapitalTransactionTotal, 0, len(rows))
	for _, r := range rows {
		totals = append(totals, CapitalTransactionTotal{
			Type:            r.Type,
			Direction:       r.Direction,
			StockLinked:     r.StockLinked == 1,
			DriftResolution: r.DriftResolution == 1,
			Amount:          r.Total,
			Count:           r.Cnt,
		})
	}
	return totals, nil
}

// SumCapitalTransactions returns the per-bucket ledger totals of a vendor.
func SumCapitalTransactions(ctx context.Context, vendorId string) ([]CapitalTransactionTotal, error) {
	db := config.GetDB()
	return sumCapitalTransactionsTx(db.WithContext(ctx), vendorId)
}

type LedgerVerification struct {
	VendorId         string          `json:"vendor_id"`
	TransactionCount int             `json:"transaction_count"`
	InitialCapital   decimal.Decimal `json:"initial_capital"`
	SignedTotal      decimal.Decimal `json:"signed_total"`
	CapitalBalance   decimal.Decimal `json:"capital_balance"`
	Problems         []string        `json:"problems"`
}

func (v LedgerVerification) OK() bool {
	return len(v.Problems) == 0
}

const maxLedgerProblems = 50

// VerifyCapitalLedger walks a vendor's ledger and checks that every row is arithmetically
// sound, that rows chain (balance_before of n+1 equals balance_after of n), and that the
// materialized balance equals initial capital plus the signed sum.
// A broken ledger returns the verification together with ErrLedgerIntegrity.
func VerifyCapitalLedger(ctx context.Context, vendorId string) (*LedgerVerification, error) {
	db := config.GetDB()
	result := &LedgerVerification{VendorId: vendorId}
	addProblem := func(format string, args ...any) {
		if len(result.Problems) < maxLedgerProblems {
			result.Problems = append(result.Problems, fmt.Sprintf(format, args...))
		}
	}

	var running decimal.Decimal
	err := readSnapshot(ctx, db, func(tx *gorm.DB) error {
		vendor, err := getVendorTx(tx, vendorId)
		if err != nil {
			return err
		}
		result.InitialCapital = vendor.InitialCapital
		result.CapitalBalance = vendor.CapitalBalance
		result.SignedTotal = decimal.Zero
		running = vendor.InitialCapital

		var batch []CapitalTransaction
		return tx.Where("vendor_id = ?", vendorId).FindInBatches(&batch, 500, func(_ *gorm.DB, _ int) error {
			for _, row := range batch {
				result.TransactionCount++
				if !row.Amount.IsPositive() {
					addProblem("transaction %d: amount %s is not positive", row.ID, row.Amount)
				}
				if !row.Direction.IsValid() {
					addProblem("transaction %d: invalid direction %q", row.ID, row.Direction)
				}
				if !row.BalanceBefore.Equal(running) {
					addProblem("transaction %d: balance_before %s does not chain from %s", row.ID, row.BalanceBefore, running)
				}
				if !row.BalanceBefore.Add(row.SignedAmount()).Equal(row.BalanceAfter) {
					addProblem("transaction %d: balance_after %s != %s %s %s", row.ID, row.BalanceAfter, row.BalanceBefore, row.Direction, row.Amount)
				}
				running = row.BalanceAfter
				result.SignedTotal = result.SignedTotal.Add(row.SignedAmount())
			}
			return nil
		}).Error
	})
	if err != nil {
		return nil, err
	}

	if !running.Equal(result.CapitalBalance) {
		addProblem("ledger head %s != capital_balance %s", running, result.CapitalBalance)
	}
	expected := result.InitialCapital.Add(result.SignedTotal)
	if !expected.Equal(result.CapitalBalance) {
		addProblem("initial_capital + signed total = %s != capital_balance %s", expected, result.CapitalBalance)
	}
	if !result.OK() {
		config.LogError(config.GetLogger(), "CapitalLedger", "VerifyCapitalLedger", "ledger integrity", result, fmt.Errorf("%d problems", len(result.Problems)))
		return result, NewCapitalError(ErrLedgerIntegrity, "vendor %s ledger has %d problems", vendorId, len(result.Problems))
	}
	return result, nil
}
