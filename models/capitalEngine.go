package models

import (
	"context"
	"errors"
	"strings"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"bitbucket.org/mmdatafocus/capital_ledger/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const capitalLockType = "capital"

// MoneyScale is the number of decimal places every money and quantity column stores.
const MoneyScale = 4

// fitsMoneyScale reports whether v is stored without rounding.
func fitsMoneyScale(v decimal.Decimal) bool {
	return v.Equal(v.Round(MoneyScale))
}

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/capital_ledger/models")

type NewCapitalTransaction struct {
	VendorId    string                 `json:"vendor_id" validate:"required,max=64"`
	Type        CapitalTransactionType `json:"type" validate:"required"`
	Amount      decimal.Decimal        `json:"amount"`
	Description string                 `json:"description" validate:"max=255"`
	// Direction is required for CORRECTION and must match the rule table otherwise.
	Direction     CapitalDirection     `json:"direction"`
	ReferenceType CapitalReferenceType `json:"reference_type"`
	ReferenceId   int                  `json:"reference_id"`
	StockItemId   *int                 `json:"stock_item_id"`
	DriftReportId *int                 `json:"drift_report_id"`
	DedupKey      *string              `json:"dedup_key" validate:"omitempty,len=64"`
}

// resolve validates the input and returns the direction the movement is booked with.
func (input *NewCapitalTransaction) resolve() (CapitalDirection, error) {
	if input == nil {
		return "", NewCapitalError(ErrInvalidInput, "transaction input is required")
	}
	rule, ok := lookupCapitalTransactionRule(input.Type)
	if !ok {
		return "", NewCapitalError(ErrUnknownTransactionType, "transaction type %q is not supported", input.Type)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return "", NewCapitalError(ErrInvalidInput, "%s", err.Error())
	}
	if !input.Amount.IsPositive() {
		return "", NewCapitalError(ErrInvalidAmount, "amount %s must be greater than zero", input.Amount)
	}
	// balance_before, amount and balance_after must add up exactly once stored
	if !fitsMoneyScale(input.Amount) {
		return "", NewCapitalError(ErrInvalidAmount, "amount %s has more than %d decimal places", input.Amount, MoneyScale)
	}

	if rule.Direction == "" {
		if !input.Direction.IsValid() {
			return "", NewCapitalError(ErrInvalidDirection, "%s requires an explicit IN or OUT direction", input.Type)
		}
		return input.Direction, nil
	}
	if input.Direction != "" && input.Direction != rule.Direction {
		return "", NewCapitalError(ErrInvalidDirection, "%s is always %s", input.Type, rule.Direction)
	}
	return rule.Direction, nil
}

// WithVendorCapitalLock serializes capital writes of one vendor across processes.
// Busy locks are retried for a bounded time and then fail with ErrLockTimeout.
func WithVendorCapitalLock(ctx context.Context, vendorId string, fn func(ctx context.Context) error) error {
	retries, interval := config.CapitalLockRetry()
	err := utils.WithLock(ctx, capitalLockType, vendorId, config.CapitalLockTTL(), retries, interval,
		"CapitalEngine", "WithVendorCapitalLock", fn)
	if errors.Is(err, utils.ErrLockNotObtained) {
		return NewCapitalError(ErrLockTimeout, "vendor %s capital is busy", vendorId)
	}
	return err
}

// WithVendorCapitalTx runs fn in one DB transaction under the vendor capital lock.
// fn's error rolls everything back.
func WithVendorCapitalTx(ctx context.Context, vendorId string, funcName string, fn func(ctx context.Context, tx *gorm.DB) error) error {
	return WithVendorCapitalLock(ctx, vendorId, func(ctx context.Context) error {
		db := config.GetDB()
		tx := db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return tx.Error
		}
		if err := fn(ctx, tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit().Error; err != nil {
			config.LogError(config.GetLogger(), "CapitalEngine", funcName, "commit", vendorId, err)
			return err
		}
		return nil
	})
}

// ApplyCapitalTransaction records one capital movement and updates the vendor balance atomically.
// It has no inventory side effects.
func ApplyCapitalTransaction(ctx context.Context, input *NewCapitalTransaction) (*CapitalTransaction, error) {
	if _, err := input.resolve(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "capital.apply", trace.WithAttributes(
		attribute.String("vendor.id", input.VendorId),
		attribute.String("capital.type", string(input.Type)),
	))
	defer span.End()

	var result *CapitalTransaction
	err := WithVendorCapitalTx(ctx, input.VendorId, "ApplyCapitalTransaction", func(ctx context.Context, tx *gorm.DB) error {
		record, err := PostCapitalTransaction(ctx, tx, input)
		if err != nil {
			return err
		}
		result = record
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("capital.transaction_id", result.ID))
	return result, nil
}

// PostCapitalTransaction writes a movement inside the caller's DB transaction.
// The caller must hold WithVendorCapitalLock for input.VendorId and owns commit/rollback,
// so stock changes and the ledger row land together.
func PostCapitalTransaction(ctx context.Context, tx *gorm.DB, input *NewCapitalTransaction) (*CapitalTransaction, error) {
	direction, err := input.resolve()
	if err != nil {
		return nil, err
	}
	tx = tx.WithContext(ctx)

	vendor, err := lockVendorForUpdate(tx, input.VendorId)
	if err != nil {
		return nil, err
	}

	if input.DedupKey != nil {
		exists, err := CapitalTransactionExistsByDedupKeyTx(tx, *input.DedupKey)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, NewCapitalError(ErrDuplicateCorrection, "vendor %s: %s already applied", input.VendorId, *input.DedupKey)
		}
	}

	before := vendor.CapitalBalance
	after := before.Add(input.Amount.Mul(direction.Sign()))
	if after.IsNegative() {
		return nil, NewCapitalError(ErrInsufficientFunds, "vendor %s: %s %s needs %s, balance is %s",
			input.VendorId, input.Type, direction, input.Amount, before)
	}

	operator, _ := utils.GetOperatorFromContext(ctx)
	record := CapitalTransaction{
		VendorId:      input.VendorId,
		Type:          input.Type,
		Direction:     direction,
		Amount:        input.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   strings.TrimSpace(input.Description),
		ReferenceType: input.ReferenceType,
		ReferenceId:   input.ReferenceId,
		StockItemId:   input.StockItemId,
		DriftReportId: input.DriftReportId,
		DedupKey:      input.DedupKey,
		CorrelationId: utils.CorrelationIdFromContextOrNew(ctx),
		CreatedBy:     operator,
	}
	if err := tx.Create(&record).Error; err != nil {
		if input.DedupKey != nil && isDuplicateKeyErr(err) {
			return nil, NewCapitalError(ErrDuplicateCorrection, "vendor %s: %s already applied", input.VendorId, *input.DedupKey)
		}
		config.LogError(config.GetLogger(), "CapitalEngine", "PostCapitalTransaction", "create ledger row", record, err)
		return nil, err
	}

	res := tx.Model(&Vendor{}).
		Where("id = ? AND version = ?", vendor.ID, vendor.Version).
		Updates(map[string]interface{}{
			"capital_balance":     after,
			"version":             vendor.Version + 1,
			"last_transaction_id": record.ID,
		})
	if res.Error != nil {
		config.LogError(config.GetLogger(), "CapitalEngine", "PostCapitalTransaction", "update vendor balance", record, res.Error)
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, NewCapitalError(ErrConcurrentModification, "vendor %s changed since version %d", vendor.ID, vendor.Version)
	}

	return &record, nil
}
