package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/capital_ledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockMovementResult is what a purchase, sale or collection changed.
// Transaction is nil when the movement has no capital effect (offline sale).
type StockMovementResult struct {
	Item            *StockItem          `json:"item"`
	Transaction     *CapitalTransaction `json:"transaction,omitempty"`
	SupplierPayment *SupplierPayment    `json:"supplier_payment,omitempty"`
}

type NewOwnedStockPurchase struct {
	VendorId    string          `json:"vendor_id" validate:"required,max=64"`
	ProductName string          `json:"product_name" validate:"required,max=255"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Quantity    decimal.Decimal `json:"quantity"`
}

type NewOfflineStockPurchase struct {
	VendorId      string          `json:"vendor_id" validate:"required,max=64"`
	ProductName   string          `json:"product_name" validate:"required,max=255"`
	SupplierName  string          `json:"supplier_name" validate:"required,max=255"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Notes         string          `json:"notes"`
}

func validateStockInput(input any, price decimal.Decimal, quantity decimal.Decimal) error {
	if err := utils.ValidateStruct(input); err != nil {
		return NewCapitalError(ErrInvalidInput, "%s", err.Error())
	}
	if !price.IsPositive() {
		return NewCapitalError(ErrInvalidAmount, "unit cost %s must be greater than zero", price)
	}
	if !fitsMoneyScale(price) {
		return NewCapitalError(ErrInvalidAmount, "unit cost %s has more than %d decimal places", price, MoneyScale)
	}
	return validateQuantity(quantity)
}

func validateQuantity(quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return NewCapitalError(ErrInvalidAmount, "quantity %s must be greater than zero", quantity)
	}
	if !fitsMoneyScale(quantity) {
		return NewCapitalError(ErrInvalidAmount, "quantity %s has more than %d decimal places", quantity, MoneyScale)
	}
	return nil
}

func lockStockItemForUpdate(tx *gorm.DB, vendorId string, id int) (*StockItem, error) {
	return getStockItemTx(tx.Clauses(clause.Locking{Strength: "UPDATE"}), vendorId, id)
}

func lockStockItemOfSource(tx *gorm.DB, vendorId string, id int, source StockSource) (*StockItem, error) {
	item, err := lockStockItemForUpdate(tx, vendorId, id)
	if err != nil {
		return nil, err
	}
	if item.Source != source {
		return nil, NewCapitalError(ErrInvalidInput, "stock item %d is %s stock, not %s", id, item.Source, source)
	}
	return item, nil
}

func intPtr(v int) *int {
	return &v
}

// PurchaseOwnedStock books owned stock and debits its full cost.
func PurchaseOwnedStock(ctx context.Context, input *NewOwnedStockPurchase) (*StockMovementResult, error) {
	if err := validateStockInput(input, input.UnitCost, input.Quantity); err != nil {
		return nil, err
	}

	result := &StockMovementResult{}
	err := WithVendorCapitalTx(ctx, input.VendorId, "PurchaseOwnedStock", func(ctx context.Context, tx *gorm.DB) error {
		item := StockItem{
			VendorId:     input.VendorId,
			Source:       StockSourceOwned,
			ProductName:  strings.TrimSpace(input.ProductName),
			UnitCost:     input.UnitCost,
			Quantity:     input.Quantity,
			SoldQuantity: decimal.Zero,
		}
		item.refreshStatus()
		if err := tx.Create(&item).Error; err != nil {
			return err
		}

		record, err := PostCapitalTransaction(ctx, tx, &NewCapitalTransaction{
			VendorId:      input.VendorId,
			Type:          CapitalTransactionTypePurchase,
			Amount:        item.CostOf(item.Quantity),
			Description:   fmt.Sprintf("purchase %s x %s @ %s", item.ProductName, input.Quantity, input.UnitCost),
			ReferenceType: CapitalReferenceTypeStockItem,
			ReferenceId:   item.ID,
			StockItemId:   intPtr(item.ID),
		})
		if err != nil {
			return err
		}
		result.Item = &item
		result.Transaction = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PurchaseOfflineStock books consignment stock bought from a supplier.
// The supplier payment is linked to the item, so reconciliation counts it through the item's valuation.
func PurchaseOfflineStock(ctx context.Context, input *NewOfflineStockPurchase) (*StockMovementResult, error) {
	if err := validateStockInput(input, input.PurchasePrice, input.Quantity); err != nil {
		return nil, err
	}

	result := &StockMovementResult{}
	err := WithVendorCapitalTx(ctx, input.VendorId, "PurchaseOfflineStock", func(ctx context.Context, tx *gorm.DB) error {
		item := StockItem{
			VendorId:        input.VendorId,
			Source:          StockSourceOffline,
			ProductName:     strings.TrimSpace(input.ProductName),
			SupplierName:    strings.TrimSpace(input.SupplierName),
			UnitCost:        input.PurchasePrice,
			Quantity:        input.Quantity,
			SoldQuantity:    decimal.Zero,
			AmountCollected: decimal.Zero,
		}
		item.refreshStatus()
		if err := tx.Create(&item).Error; err != nil {
			return err
		}

		amount := item.CostOf(item.Quantity)
		record, err := PostCapitalTransaction(ctx, tx, &NewCapitalTransaction{
			VendorId:      input.VendorId,
			Type:          CapitalTransactionTypePurchase,
			Amount:        amount,
			Description:   fmt.Sprintf("offline purchase %s x %s @ %s from %s", item.ProductName, input.Quantity, input.PurchasePrice, item.SupplierName),
			ReferenceType: CapitalReferenceTypeStockItem,
			ReferenceId:   item.ID,
			StockItemId:   intPtr(item.ID),
		})
		if err != nil {
			return err
		}

		payment := SupplierPayment{
			VendorId:             input.VendorId,
			SupplierName:         item.SupplierName,
			Amount:               amount,
			StockItemId:          intPtr(item.ID),
			CapitalTransactionId: record.ID,
			Notes:                input.Notes,
			PaymentDate:          time.Now().UTC(),
		}
		if err := tx.Create(&payment).Error; err != nil {
			return err
		}

		result.Item = &item
		result.Transaction = record
		result.SupplierPayment = &payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SellOfflineStock records units sold through the offline channel.
// Capital is untouched until the proceeds are collected; the sold cost becomes pending collection.
func SellOfflineStock(ctx context.Context, vendorId string, stockItemId int, quantity decimal.Decimal) (*StockItem, error) {
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}

	var result *StockItem
	err := WithVendorCapitalTx(ctx, vendorId, "SellOfflineStock", func(ctx context.Context, tx *gorm.DB) error {
		item, err := lockStockItemOfSource(tx, vendorId, stockItemId, StockSourceOffline)
		if err != nil {
			return err
		}
		if quantity.GreaterThan(item.QuantityOnHand()) {
			return NewCapitalError(ErrInsufficientStock, "stock item %d has %s on hand, cannot sell %s", item.ID, item.QuantityOnHand(), quantity)
		}
		item.SoldQuantity = item.SoldQuantity.Add(quantity)
		if err := saveStockQuantitiesTx(tx, item); err != nil {
			return err
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CollectOfflineProceeds credits money collected for offline units already sold.
// Collecting more than is pending fails with ErrOverCollection.
func CollectOfflineProceeds(ctx context.Context, vendorId string, stockItemId int, amount decimal.Decimal) (*StockMovementResult, error) {
	if !amount.IsPositive() {
		return nil, NewCapitalError(ErrInvalidAmount, "amount %s must be greater than zero", amount)
	}
	if !fitsMoneyScale(amount) {
		return nil, NewCapitalError(ErrInvalidAmount, "amount %s has more than %d decimal places", amount, MoneyScale)
	}

	result := &StockMovementResult{}
	err := WithVendorCapitalTx(ctx, vendorId, "CollectOfflineProceeds", func(ctx context.Context, tx *gorm.DB) error {
		item, err := lockStockItemOfSource(tx, vendorId, stockItemId, StockSourceOffline)
		if err != nil {
			return err
		}
		pending := item.PendingCollectionValue()
		if amount.GreaterThan(pending) {
			return NewCapitalError(ErrOverCollection, "stock item %d has %s pending, cannot collect %s", item.ID, pending, amount)
		}
		item.AmountCollected = item.AmountCollected.Add(amount)
		if err := saveStockQuantitiesTx(tx, item); err != nil {
			return err
		}

		record, err := PostCapitalTransaction(ctx, tx, &NewCapitalTransaction{
			VendorId:      vendorId,
			Type:          CapitalTransactionTypeSaleReceiptCollected,
			Amount:        amount,
			Description:   fmt.Sprintf("collected offline proceeds for %s", item.ProductName),
			ReferenceType: CapitalReferenceTypeStockItem,
			ReferenceId:   item.ID,
			StockItemId:   intPtr(item.ID),
		})
		if err != nil {
			return err
		}
		result.Item = item
		result.Transaction = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SellOwnedStock sells owned units and recovers their cost into capital.
func SellOwnedStock(ctx context.Context, vendorId string, stockItemId int, quantity decimal.Decimal) (*StockMovementResult, error) {
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}

	result := &StockMovementResult{}
	err := WithVendorCapitalTx(ctx, vendorId, "SellOwnedStock", func(ctx context.Context, tx *gorm.DB) error {
		item, err := lockStockItemOfSource(tx, vendorId, stockItemId, StockSourceOwned)
		if err != nil {
			return err
		}
		if quantity.GreaterThan(item.QuantityOnHand()) {
			return NewCapitalError(ErrInsufficientStock, "stock item %d has %s on hand, cannot sell %s", item.ID, item.QuantityOnHand(), quantity)
		}
		soldBefore := item.soldCost()
		item.SoldQuantity = item.SoldQuantity.Add(quantity)
		if err := saveStockQuantitiesTx(tx, item); err != nil {
			return err
		}
		result.Item = item

		// cumulative recovery always equals the sold cost, so rounding never drifts
		recovered := item.soldCost().Sub(soldBefore)
		if !recovered.IsPositive() {
			return nil
		}
		record, err := PostCapitalTransaction(ctx, tx, &NewCapitalTransaction{
			VendorId:      vendorId,
			Type:          CapitalTransactionTypeSaleReceiptCollected,
			Amount:        recovered,
			Description:   fmt.Sprintf("sold %s x %s", item.ProductName, quantity),
			ReferenceType: CapitalReferenceTypeStockItem,
			ReferenceId:   item.ID,
			StockItemId:   intPtr(item.ID),
		})
		if err != nil {
			return err
		}
		result.Transaction = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PaySupplier pays a supplier outside of a stock purchase (fees, settlements).
func PaySupplier(ctx context.Context, input *NewSupplierPayment) (*SupplierPayment, *CapitalTransaction, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, nil, NewCapitalError(ErrInvalidInput, "%s", err.Error())
	}
	if !input.Amount.IsPositive() {
		return nil, nil, NewCapitalError(ErrInvalidAmount, "amount %s must be greater than zero", input.Amount)
	}
	paymentDate := time.Now().UTC()
	if input.PaymentDate != nil {
		paymentDate = *input.PaymentDate
	}

	var payment SupplierPayment
	var record *CapitalTransaction
	err := WithVendorCapitalTx(ctx, input.VendorId, "PaySupplier", func(ctx context.Context, tx *gorm.DB) error {
		payment = SupplierPayment{
			VendorId:     input.VendorId,
			SupplierName: strings.TrimSpace(input.SupplierName),
			Amount:       input.Amount,
			Notes:        input.Notes,
			PaymentDate:  paymentDate,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return err
		}

		var err error
		record, err = PostCapitalTransaction(ctx, tx, &NewCapitalTransaction{
			VendorId:      input.VendorId,
			Type:          CapitalTransactionTypePaymentToSupplier,
			Amount:        input.Amount,
			Description:   fmt.Sprintf("payment to %s", payment.SupplierName),
			ReferenceType: CapitalReferenceTypeSupplierPayment,
			ReferenceId:   payment.ID,
		})
		if err != nil {
			return err
		}
		payment.CapitalTransactionId = record.ID
		return tx.Model(&payment).Update("capital_transaction_id", record.ID).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &payment, record, nil
}
