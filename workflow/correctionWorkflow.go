package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"bitbucket.org/mmdatafocus/capital_ledger/models"
	"bitbucket.org/mmdatafocus/capital_ledger/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/capital_ledger/workflow")

// CorrectionInput is an operator-approved fix for one drift report.
// Delta is the report's drift (actual - expected); the correction moves the balance by -Delta.
type CorrectionInput struct {
	VendorId      string          `json:"vendor_id" validate:"required,max=64"`
	DriftReportId int             `json:"drift_report_id" validate:"required,gt=0"`
	Delta         decimal.Decimal `json:"delta"`
	Reason        string          `json:"reason" validate:"required,max=255"`
}

// CorrectionDedupKey is stable for the same vendor, reason, delta and drift report.
func CorrectionDedupKey(vendorId string, reason string, delta decimal.Decimal, driftReportId int) string {
	raw := fmt.Sprintf("%s|%s|%s|%d", vendorId, strings.TrimSpace(reason), delta.StringFixed(4), driftReportId)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (input *CorrectionInput) validate() error {
	if input == nil {
		return models.NewCapitalError(models.ErrInvalidInput, "correction input is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return models.NewCapitalError(models.ErrInvalidInput, "%s", err.Error())
	}
	if input.Delta.IsZero() {
		return models.NewCapitalError(models.ErrInvalidAmount, "correction delta must not be zero")
	}
	return nil
}

// ApplyCorrection resolves an OPEN drift report with exactly one CORRECTION.
// It runs under the vendor capital lock; the same correction applied twice fails with
// models.ErrDuplicateCorrection, a report whose delta no longer matches the ledger fails with
// models.ErrDriftReportStale, and the report is marked CORRECTED in the same DB transaction.
func ApplyCorrection(ctx context.Context, logger *logrus.Logger, input *CorrectionInput) (*models.CapitalTransaction, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = config.GetLogger()
	}

	ctx, span := tracer.Start(ctx, "capital.correct", trace.WithAttributes(
		attribute.String("vendor.id", input.VendorId),
		attribute.Int("capital.drift_report_id", input.DriftReportId),
	))
	defer span.End()

	dedupKey := CorrectionDedupKey(input.VendorId, input.Reason, input.Delta, input.DriftReportId)
	direction := models.CapitalDirectionOut
	if input.Delta.IsNegative() {
		direction = models.CapitalDirectionIn
	}

	var correction *models.CapitalTransaction
	err := models.WithVendorCapitalTx(ctx, input.VendorId, "ApplyCorrection", func(ctx context.Context, tx *gorm.DB) error {
		applied, err := models.CapitalTransactionExistsByDedupKeyTx(tx, dedupKey)
		if err != nil {
			return err
		}
		if applied {
			return models.NewCapitalError(models.ErrDuplicateCorrection, "correction for drift report %d already applied", input.DriftReportId)
		}

		report, err := models.GetOpenDriftReportTx(tx, input.VendorId, input.DriftReportId)
		if err != nil {
			return err
		}
		if !report.Delta.Round(models.MoneyScale).Equal(input.Delta.Round(models.MoneyScale)) {
			return models.NewCapitalError(models.ErrInvalidInput, "delta %s does not match drift report %d delta %s", input.Delta, report.ID, report.Delta)
		}

		// the drift must still be there, as seen under the lock; another report or a fix may have resolved it
		current, err := models.ReconcileTx(tx, input.VendorId)
		if err != nil {
			return err
		}
		if !current.Delta.Round(models.MoneyScale).Equal(report.Delta.Round(models.MoneyScale)) {
			return models.NewCapitalError(models.ErrDriftReportStale, "drift report %d delta %s, current delta %s", report.ID, report.Delta, current.Delta)
		}

		driftReportId := report.ID
		correction, err = models.PostCapitalTransaction(ctx, tx, &models.NewCapitalTransaction{
			VendorId:      input.VendorId,
			Type:          models.CapitalTransactionTypeCorrection,
			Direction:     direction,
			Amount:        input.Delta.Abs(),
			Description:   strings.TrimSpace(input.Reason),
			ReferenceType: models.CapitalReferenceTypeDriftReport,
			ReferenceId:   report.ID,
			DriftReportId: &driftReportId,
			DedupKey:      &dedupKey,
		})
		if err != nil {
			return err
		}
		return models.MarkDriftReportCorrectedTx(ctx, tx, report, correction)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		config.LogError(logger, "CorrectionWorkflow", "ApplyCorrection", "apply correction", input, err)
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"module":        "CorrectionWorkflow",
		"vendorId":      input.VendorId,
		"driftReportId": input.DriftReportId,
		"transactionId": correction.ID,
		"direction":     correction.Direction,
		"amount":        correction.Amount.String(),
		"balanceAfter":  correction.BalanceAfter.String(),
	}).Info("capital correction applied")
	return correction, nil
}
