package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"github.com/shopspring/decimal"
)

// SupplierPayment is money paid to a third-party supplier.
// StockItemId is set when the payment settles an offline purchase; the capital effect
// of such a payment is already carried by the stock item's valuation.
type SupplierPayment struct {
	ID                   int             `gorm:"primary_key" json:"id"`
	VendorId             string          `gorm:"size:64;index;not null" json:"vendor_id"`
	SupplierName         string          `gorm:"size:255;not null" json:"supplier_name"`
	Amount               decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	StockItemId          *int            `gorm:"index" json:"stock_item_id"`
	CapitalTransactionId int             `gorm:"index" json:"capital_transaction_id"`
	Notes                string          `gorm:"type:text;default:null" json:"notes"`
	PaymentDate          time.Time       `gorm:"not null" json:"payment_date"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SupplierPayment) TableName() string {
	return "vendor_supplier_payments"
}

type NewSupplierPayment struct {
	VendorId     string          `json:"vendor_id" validate:"required,max=64"`
	SupplierName string          `json:"supplier_name" validate:"required,max=255"`
	Amount       decimal.Decimal `json:"amount"`
	Notes        string          `json:"notes"`
	PaymentDate  *time.Time      `json:"payment_date"`
}

func ListSupplierPayments(ctx context.Context, vendorId string) ([]*SupplierPayment, error) {
	db := config.GetDB()
	var payments []*SupplierPayment
	if err := db.WithContext(ctx).Where("vendor_id = ?", vendorId).Order("id").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}
