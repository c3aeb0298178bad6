package models

import (
	"context"
	"database/sql"
	"time"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ValuationSnapshot is a vendor's inventory valuation at one consistent point in time.
type ValuationSnapshot struct {
	VendorId                      string          `json:"vendor_id"`
	OwnedValue                    decimal.Decimal `json:"owned_value"`
	OfflineStockValue             decimal.Decimal `json:"offline_stock_value"`
	OfflinePendingCollectionValue decimal.Decimal `json:"offline_pending_collection_value"`
	OfflineCollectedValue         decimal.Decimal `json:"offline_collected_value"`
	ItemCount                     int             `json:"item_count"`
	// items whose source has no valuation rule; they contribute zero
	UnvaluedItemIds []int `json:"unvalued_item_ids,omitempty"`
	// AsOf is when the snapshot read started, UTC
	AsOf time.Time `json:"as_of"`
}

// Total is the capital currently tied up in stock and uncollected sales.
func (s ValuationSnapshot) Total() decimal.Decimal {
	return s.OwnedValue.Add(s.OfflineStockValue).Add(s.OfflinePendingCollectionValue)
}

// readSnapshot runs fn in a read-only repeatable-read transaction so every read sees one snapshot.
func readSnapshot(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
}

// ValuateInventory is read-only and never takes the vendor lock.
func ValuateInventory(ctx context.Context, vendorId string) (*ValuationSnapshot, error) {
	ctx, span := tracer.Start(ctx, "capital.valuate", trace.WithAttributes(attribute.String("vendor.id", vendorId)))
	defer span.End()

	var snapshot *ValuationSnapshot
	err := readSnapshot(ctx, config.GetDB(), func(tx *gorm.DB) error {
		if _, err := getVendorTx(tx, vendorId); err != nil {
			return err
		}
		s, err := valuateInventoryTx(tx, vendorId)
		if err != nil {
			return err
		}
		snapshot = s
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return snapshot, nil
}

func valuateInventoryTx(tx *gorm.DB, vendorId string) (*ValuationSnapshot, error) {
	total := StockValuation{}
	snapshot := &ValuationSnapshot{VendorId: vendorId, AsOf: time.Now().UTC()}

	var batch []*StockItem
	err := tx.Where("vendor_id = ?", vendorId).FindInBatches(&batch, 500, func(_ *gorm.DB, _ int) error {
		for _, item := range batch {
			snapshot.ItemCount++
			v, ok := item.Valuation()
			if !ok {
				snapshot.UnvaluedItemIds = append(snapshot.UnvaluedItemIds, item.ID)
				continue
			}
			total = total.Add(v)
		}
		return nil
	}).Error
	if err != nil {
		return nil, err
	}
	if len(snapshot.UnvaluedItemIds) > 0 {
		config.GetLogger().WithFields(logrus.Fields{
			"module":   "InventoryValuator",
			"vendorId": vendorId,
			"itemIds":  snapshot.UnvaluedItemIds,
		}).Warn("stock source without valuation rule")
	}

	snapshot.OwnedValue = total.OwnedValue
	snapshot.OfflineStockValue = total.OfflineStockValue
	snapshot.OfflinePendingCollectionValue = total.PendingCollectionValue
	snapshot.OfflineCollectedValue = total.CollectedValue
	return snapshot, nil
}
