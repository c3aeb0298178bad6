package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"bitbucket.org/mmdatafocus/capital_ledger/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Vendor holds the materialized capital balance.
// CapitalBalance, Version and LastTransactionId are written only by the capital engine;
// InitialCapital is written once, at creation.
type Vendor struct {
	ID                string          `gorm:"primary_key;size:64" json:"id"`
	Name              string          `gorm:"size:255;not null" json:"name"`
	InitialCapital    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"initial_capital"`
	CapitalBalance    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"capital_balance"`
	Version           int64           `gorm:"not null;default:0" json:"version"`
	LastTransactionId int             `gorm:"not null;default:0" json:"last_transaction_id"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewVendor struct {
	ID             string          `json:"id" validate:"omitempty,max=64"`
	Name           string          `json:"name" validate:"required,max=255"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
}

func (input *NewVendor) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return NewCapitalError(ErrInvalidInput, "%s", err.Error())
	}
	if input.InitialCapital.IsNegative() {
		return NewCapitalError(ErrInvalidAmount, "initial capital must not be negative")
	}
	if !fitsMoneyScale(input.InitialCapital) {
		return NewCapitalError(ErrInvalidAmount, "initial capital %s has more than %d decimal places", input.InitialCapital, MoneyScale)
	}
	return nil
}

// CreateVendor seeds the vendor with its initial capital.
// Seeding is not a ledger movement: balance starts equal to initial capital with an empty ledger.
func CreateVendor(ctx context.Context, input *NewVendor) (*Vendor, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.NewString()
	}

	vendor := Vendor{
		ID:             id,
		Name:           strings.TrimSpace(input.Name),
		InitialCapital: input.InitialCapital,
		CapitalBalance: input.InitialCapital,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&vendor).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, NewCapitalError(ErrVendorExists, "vendor %s already exists", id)
		}
		config.LogError(config.GetLogger(), "CapitalLedger", "CreateVendor", "create vendor", id, err)
		return nil, err
	}
	return &vendor, nil
}

func GetVendor(ctx context.Context, vendorId string) (*Vendor, error) {
	db := config.GetDB()
	return getVendorTx(db.WithContext(ctx), vendorId)
}

// GetCapitalBalance returns the current materialized balance.
func GetCapitalBalance(ctx context.Context, vendorId string) (decimal.Decimal, error) {
	vendor, err := GetVendor(ctx, vendorId)
	if err != nil {
		return decimal.Zero, err
	}
	return vendor.CapitalBalance, nil
}

// ListVendorIds returns every vendor id in a stable order.
func ListVendorIds(ctx context.Context) ([]string, error) {
	db := config.GetDB()
	var ids []string
	if err := db.WithContext(ctx).Model(&Vendor{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func getVendorTx(tx *gorm.DB, vendorId string) (*Vendor, error) {
	var vendor Vendor
	if err := tx.Where("id = ?", vendorId).First(&vendor).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewCapitalError(ErrVendorNotFound, "vendor %s not found", vendorId)
		}
		return nil, err
	}
	return &vendor, nil
}

// lockVendorForUpdate takes the row lock that backs the Redis vendor lock inside the DB transaction.
func lockVendorForUpdate(tx *gorm.DB, vendorId string) (*Vendor, error) {
	return getVendorTx(tx.Clauses(clause.Locking{Strength: "UPDATE"}), vendorId)
}
