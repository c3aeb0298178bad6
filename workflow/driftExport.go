package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"bitbucket.org/mmdatafocus/capital_ledger/models"
	"bitbucket.org/mmdatafocus/capital_ledger/utils"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const (
	driftSheetName    = "CapitalDrift"
	xlsxContentType   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	driftExportPrefix = "capital-drift"
)

var driftExportHeadings = []string{
	"ReportId", "VendorId", "Status",
	"InitialCapital", "OwnedValue", "OfflineStockValue", "OfflinePendingCollection",
	"Deposits", "Withdrawals", "Expenses", "SupplierPayments", "Corrections",
	"ExpectedBalance", "ActualBalance", "Delta",
	"LastTransactionId", "CorrectionTransactionId", "ResolvedBy", "CreatedAt",
}

func driftExportRow(r *models.CapitalDriftReport) []interface{} {
	correctionId := ""
	if r.CorrectionTransactionId != nil {
		correctionId = fmt.Sprint(*r.CorrectionTransactionId)
	}
	return []interface{}{
		r.ID, r.VendorId, string(r.Status),
		r.InitialCapital.InexactFloat64(), r.OwnedValue.InexactFloat64(), r.OfflineStockValue.InexactFloat64(), r.OfflinePendingCollectionValue.InexactFloat64(),
		r.Deposits.InexactFloat64(), r.Withdrawals.InexactFloat64(), r.Expenses.InexactFloat64(), r.SupplierPayments.InexactFloat64(), r.Corrections.InexactFloat64(),
		r.ExpectedBalance.InexactFloat64(), r.ActualBalance.InexactFloat64(), r.Delta.InexactFloat64(),
		r.LastTransactionId, correctionId, r.ResolvedBy, r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// BuildDriftWorkbook renders drift reports as an xlsx workbook, one row per report.
func BuildDriftWorkbook(reports []*models.CapitalDriftReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", driftSheetName); err != nil {
		return nil, err
	}
	header, err := excelize.CoordinatesToCellName(1, 1)
	if err != nil {
		return nil, err
	}
	headings := make([]interface{}, len(driftExportHeadings))
	for i, h := range driftExportHeadings {
		headings[i] = h
	}
	if err := f.SetSheetRow(driftSheetName, header, &headings); err != nil {
		return nil, err
	}

	for i, r := range reports {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := driftExportRow(r)
		if err := f.SetSheetRow(driftSheetName, cell, &row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DriftExport locates an uploaded drift workbook.
type DriftExport struct {
	ObjectURL string                `json:"object_url"`
	Download  *utils.SignedDownload `json:"download,omitempty"`
}

// ExportDriftReports builds the workbook and uploads it to GCS_BUCKET.
// When linkTTL is positive a signed download link is attached; failing to sign does not fail the export.
func ExportDriftReports(ctx context.Context, logger *logrus.Logger, reports []*models.CapitalDriftReport, now time.Time, linkTTL time.Duration) (*DriftExport, error) {
	if logger == nil {
		logger = config.GetLogger()
	}
	data, err := BuildDriftWorkbook(reports)
	if err != nil {
		return nil, err
	}
	objectName := fmt.Sprintf("%s/%s.xlsx", driftExportPrefix, now.UTC().Format("20060102T150405Z"))
	url, err := utils.UploadReportToGCS(ctx, objectName, xlsxContentType, data)
	if err != nil {
		config.LogError(logger, "DriftExport", "ExportDriftReports", "upload workbook", objectName, err)
		return nil, err
	}

	export := &DriftExport{ObjectURL: url}
	if linkTTL > 0 {
		download, err := utils.SignReportDownload(ctx, objectName, linkTTL)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"module": "DriftExport",
				"object": objectName,
				"error":  err.Error(),
			}).Warn("drift workbook uploaded without a download link")
		} else {
			export.Download = download
		}
	}
	return export, nil
}
