package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

type CapitalTransactionType string

const (
	CapitalTransactionTypeDeposit              CapitalTransactionType = "DEPOSIT"
	CapitalTransactionTypeSaleReceiptCollected CapitalTransactionType = "SALE_RECEIPT_COLLECTED"
	CapitalTransactionTypeWithdrawal           CapitalTransactionType = "WITHDRAWAL"
	CapitalTransactionTypePurchase             CapitalTransactionType = "PURCHASE"
	CapitalTransactionTypePaymentToSupplier    CapitalTransactionType = "PAYMENT_TO_SUPPLIER"
	CapitalTransactionTypeExpense              CapitalTransactionType = "EXPENSE"
	CapitalTransactionTypeCorrection           CapitalTransactionType = "CORRECTION"
)

type CapitalDirection string

const (
	CapitalDirectionIn  CapitalDirection = "IN"
	CapitalDirectionOut CapitalDirection = "OUT"
)

func (d CapitalDirection) IsValid() bool {
	return d == CapitalDirectionIn || d == CapitalDirectionOut
}

// Sign is +1 for IN and -1 for OUT.
func (d CapitalDirection) Sign() decimal.Decimal {
	if d == CapitalDirectionOut {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// ReconcileTreatment says how a transaction type feeds the expected balance.
type ReconcileTreatment string

const (
	// counted in expected balance as a signed term
	ReconcileCounted ReconcileTreatment = "COUNTED"
	// already captured by current stock valuation
	ReconcileImpliedByInventory ReconcileTreatment = "IMPLIED_BY_INVENTORY"
	// implied by inventory when the row references a stock item, counted otherwise
	ReconcileCountedUnlessStockLinked ReconcileTreatment = "COUNTED_UNLESS_STOCK_LINKED"
	// a drift-resolving correction is excluded, any other correction is counted
	ReconcileCountedUnlessDriftResolution ReconcileTreatment = "COUNTED_UNLESS_DRIFT_RESOLUTION"
)

type capitalTransactionRule struct {
	// Direction is fixed per type; empty means the caller must state it.
	Direction CapitalDirection
	Reconcile ReconcileTreatment
}

// capitalTransactionRules is the closed set of capital movements.
// Adding a movement type is a new row here, never a new branch in the engine.
var capitalTransactionRules = map[CapitalTransactionType]capitalTransactionRule{
	CapitalTransactionTypeDeposit:              {Direction: CapitalDirectionIn, Reconcile: ReconcileCounted},
	CapitalTransactionTypeSaleReceiptCollected: {Direction: CapitalDirectionIn, Reconcile: ReconcileImpliedByInventory},
	CapitalTransactionTypeWithdrawal:           {Direction: CapitalDirectionOut, Reconcile: ReconcileCounted},
	CapitalTransactionTypePurchase:             {Direction: CapitalDirectionOut, Reconcile: ReconcileImpliedByInventory},
	CapitalTransactionTypePaymentToSupplier:    {Direction: CapitalDirectionOut, Reconcile: ReconcileCountedUnlessStockLinked},
	CapitalTransactionTypeExpense:              {Direction: CapitalDirectionOut, Reconcile: ReconcileCounted},
	CapitalTransactionTypeCorrection:           {Reconcile: ReconcileCountedUnlessDriftResolution},
}

func lookupCapitalTransactionRule(t CapitalTransactionType) (capitalTransactionRule, bool) {
	rule, ok := capitalTransactionRules[t]
	return rule, ok
}

// ParseCapitalTransactionType is case-insensitive; unknown names fail with ErrUnknownTransactionType.
func ParseCapitalTransactionType(s string) (CapitalTransactionType, error) {
	t := CapitalTransactionType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := capitalTransactionRules[t]; !ok {
		return "", NewCapitalError(ErrUnknownTransactionType, "transaction type %q is not supported", s)
	}
	return t, nil
}

// CapitalTransactionTypes lists the supported types in a stable order.
func CapitalTransactionTypes() []CapitalTransactionType {
	return []CapitalTransactionType{
		CapitalTransactionTypeDeposit,
		CapitalTransactionTypeSaleReceiptCollected,
		CapitalTransactionTypeWithdrawal,
		CapitalTransactionTypePurchase,
		CapitalTransactionTypePaymentToSupplier,
		CapitalTransactionTypeExpense,
		CapitalTransactionTypeCorrection,
	}
}

type CapitalReferenceType string

const (
	CapitalReferenceTypeStockItem       CapitalReferenceType = "STOCK_ITEM"
	CapitalReferenceTypeSupplierPayment CapitalReferenceType = "SUPPLIER_PAYMENT"
	CapitalReferenceTypeDriftReport     CapitalReferenceType = "DRIFT_REPORT"
)

type StockSource string

const (
	StockSourceOwned   StockSource = "OWNED"
	StockSourceOffline StockSource = "OFFLINE"
)

type StockSaleStatus string

const (
	StockSaleStatusPurchased     StockSaleStatus = "PURCHASED"
	StockSaleStatusPartiallySold StockSaleStatus = "PARTIALLY_SOLD"
	StockSaleStatusFullySold     StockSaleStatus = "FULLY_SOLD"
)

type StockCollectionStatus string

const (
	// owned stock, or offline stock with nothing sold yet
	StockCollectionStatusNone      StockCollectionStatus = "NONE"
	StockCollectionStatusPending   StockCollectionStatus = "COLLECTION_PENDING"
	StockCollectionStatusCollected StockCollectionStatus = "COLLECTED"
)

type DriftReportStatus string

const (
	DriftReportStatusOpen      DriftReportStatus = "OPEN"
	DriftReportStatusCorrected DriftReportStatus = "CORRECTED"
	DriftReportStatusDismissed DriftReportStatus = "DISMISSED"
)
