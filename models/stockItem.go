package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockItem is a vendor's stock line. Source tags the variant:
// OWNED stock is paid for up front and recovers cost as it sells,
// OFFLINE stock is bought from a third-party supplier and sold on consignment,
// so its sold value sits as pending collection until the proceeds are collected.
type StockItem struct {
	ID               int                   `gorm:"primary_key" json:"id"`
	VendorId         string                `gorm:"size:64;index;not null" json:"vendor_id"`
	Source           StockSource           `gorm:"size:10;index;not null" json:"source"`
	ProductName      string                `gorm:"size:255;not null" json:"product_name"`
	SupplierName     string                `gorm:"size:255" json:"supplier_name"`
	UnitCost         decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	Quantity         decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	SoldQuantity     decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"sold_quantity"`
	AmountCollected  decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"amount_collected"`
	SaleStatus       StockSaleStatus       `gorm:"size:20;not null" json:"sale_status"`
	CollectionStatus StockCollectionStatus `gorm:"size:20;not null" json:"collection_status"`
	CreatedAt        time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

func (StockItem) TableName() string {
	return "vendor_stock_items"
}

// StockValuation is what one stock item is worth right now, split by bucket.
type StockValuation struct {
	OwnedValue             decimal.Decimal `json:"owned_value"`
	OfflineStockValue      decimal.Decimal `json:"offline_stock_value"`
	PendingCollectionValue decimal.Decimal `json:"pending_collection_value"`
	CollectedValue         decimal.Decimal `json:"collected_value"`
}

func (v StockValuation) Add(o StockValuation) StockValuation {
	return StockValuation{
		OwnedValue:             v.OwnedValue.Add(o.OwnedValue),
		OfflineStockValue:      v.OfflineStockValue.Add(o.OfflineStockValue),
		PendingCollectionValue: v.PendingCollectionValue.Add(o.PendingCollectionValue),
		CollectedValue:         v.CollectedValue.Add(o.CollectedValue),
	}
}

type stockValuationRule func(item *StockItem) StockValuation

// one rule per source; a new source is a new entry, not a branch in the valuator
var stockValuationRules = map[StockSource]stockValuationRule{
	StockSourceOwned: func(item *StockItem) StockValuation {
		return StockValuation{
			OwnedValue: item.OnHandValue(),
		}
	},
	StockSourceOffline: func(item *StockItem) StockValuation {
		return StockValuation{
			OfflineStockValue:      item.OnHandValue(),
			PendingCollectionValue: item.PendingCollectionValue(),
			CollectedValue:         item.AmountCollected,
		}
	},
}

// QuantityOnHand never goes below zero.
func (item *StockItem) QuantityOnHand() decimal.Decimal {
	onHand := item.Quantity.Sub(item.SoldQuantity)
	if onHand.IsNegative() {
		return decimal.Zero
	}
	return onHand
}

// CostOf is the cost of quantity units at the stored money scale.
func (item *StockItem) CostOf(quantity decimal.Decimal) decimal.Decimal {
	return item.UnitCost.Mul(quantity).Round(MoneyScale)
}

// soldCost is the cumulative cost of sold units. Purchase cost minus sold cost is the
// on-hand value, so the ledger amounts and the valuation round the same way.
func (item *StockItem) soldCost() decimal.Decimal {
	sold := item.SoldQuantity
	if sold.GreaterThan(item.Quantity) {
		sold = item.Quantity
	}
	return item.CostOf(sold)
}

// OnHandValue is the purchase cost of the units not yet sold.
func (item *StockItem) OnHandValue() decimal.Decimal {
	value := item.CostOf(item.Quantity).Sub(item.soldCost())
	if value.IsNegative() {
		return decimal.Zero
	}
	return value
}

// PendingCollectionValue is sold cost not yet collected from the offline channel.
func (item *StockItem) PendingCollectionValue() decimal.Decimal {
	if item.Source != StockSourceOffline {
		return decimal.Zero
	}
	pending := item.soldCost().Sub(item.AmountCollected)
	if pending.IsNegative() {
		return decimal.Zero
	}
	return pending
}

// Valuation applies the rule registered for the item's source.
// An unknown source values to zero and is reported by the valuator.
func (item *StockItem) Valuation() (StockValuation, bool) {
	rule, ok := stockValuationRules[item.Source]
	if !ok {
		return StockValuation{}, false
	}
	return rule(item), true
}

// refreshStatus derives the lifecycle columns from quantities and collections.
func (item *StockItem) refreshStatus() {
	switch {
	case item.SoldQuantity.IsZero():
		item.SaleStatus = StockSaleStatusPurchased
	case item.SoldQuantity.GreaterThanOrEqual(item.Quantity):
		item.SaleStatus = StockSaleStatusFullySold
	default:
		item.SaleStatus = StockSaleStatusPartiallySold
	}

	if item.Source != StockSourceOffline || item.SoldQuantity.IsZero() {
		item.CollectionStatus = StockCollectionStatusNone
		return
	}
	if item.PendingCollectionValue().IsPositive() {
		item.CollectionStatus = StockCollectionStatusPending
	} else {
		item.CollectionStatus = StockCollectionStatusCollected
	}
}

func GetStockItem(ctx context.Context, vendorId string, id int) (*StockItem, error) {
	db := config.GetDB()
	return getStockItemTx(db.WithContext(ctx), vendorId, id)
}

func getStockItemTx(tx *gorm.DB, vendorId string, id int) (*StockItem, error) {
	var item StockItem
	if err := tx.Where("vendor_id = ? AND id = ?", vendorId, id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewCapitalError(ErrStockItemNotFound, "stock item %d not found for vendor %s", id, vendorId)
		}
		return nil, err
	}
	return &item, nil
}

// ListStockItems returns a vendor's stock lines, optionally filtered by source.
func ListStockItems(ctx context.Context, vendorId string, source *StockSource) ([]*StockItem, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("vendor_id = ?", vendorId)
	if source != nil {
		dbCtx = dbCtx.Where("source = ?", *source)
	}
	var items []*StockItem
	if err := dbCtx.Order("id").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func saveStockQuantitiesTx(tx *gorm.DB, item *StockItem) error {
	item.refreshStatus()
	return tx.Model(item).Updates(map[string]interface{}{
		"sold_quantity":     item.SoldQuantity,
		"amount_collected":  item.AmountCollected,
		"sale_status":       item.SaleStatus,
		"collection_status": item.CollectionStatus,
	}).Error
}
