package workflow

import (
	"context"
	"errors"
	"strconv"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"bitbucket.org/mmdatafocus/capital_ledger/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DriftNotifier tells reviewers about a recorded drift report.
type DriftNotifier interface {
	NotifyDrift(ctx context.Context, report *models.CapitalDriftReport) error
}

// PubSubDriftNotifier publishes drift reports as JSON to a Pub/Sub topic.
type PubSubDriftNotifier struct {
	Topic string
}

func NewPubSubDriftNotifier(topic string) *PubSubDriftNotifier {
	if topic == "" {
		topic = config.CapitalDriftTopic()
	}
	return &PubSubDriftNotifier{Topic: topic}
}

// EnsureTopic creates the topic when it does not exist yet.
func (n *PubSubDriftNotifier) EnsureTopic(ctx context.Context) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	_, err = config.CreateTopicIfNotExists(ctx, client, n.Topic)
	return err
}

func (n *PubSubDriftNotifier) NotifyDrift(ctx context.Context, report *models.CapitalDriftReport) error {
	if n == nil || n.Topic == "" {
		return nil
	}
	attributes := map[string]string{
		"event":         "capital.drift_detected",
		"vendorId":      report.VendorId,
		"driftReportId": strconv.Itoa(report.ID),
		"delta":         report.Delta.StringFixed(4),
		"correlationId": report.CorrelationId,
	}
	_, err := config.PublishCapitalEvent(ctx, n.Topic, attributes, report)
	return err
}

type ReconcileOptions struct {
	// VendorIds empty means every vendor.
	VendorIds []string
	// Epsilon nil means config.CapitalDriftEpsilon(); zero is a strict run.
	Epsilon *decimal.Decimal
	// DryRun computes reports without recording or notifying.
	DryRun   bool
	Notifier DriftNotifier
}

type VendorReconcileResult struct {
	VendorId    string                     `json:"vendor_id"`
	Report      *models.DriftReport        `json:"report,omitempty"`
	Recorded    *models.CapitalDriftReport `json:"recorded,omitempty"`
	Drifted     bool                       `json:"drifted"`
	NotifyError string                     `json:"notify_error,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

type ReconcileSummary struct {
	Checked int                      `json:"checked"`
	Drifted int                      `json:"drifted"`
	Failed  int                      `json:"failed"`
	Results []*VendorReconcileResult `json:"results"`
}

// DriftedReports returns the recorded reports of drifted vendors in batch order.
func (s *ReconcileSummary) DriftedReports() []*models.CapitalDriftReport {
	var reports []*models.CapitalDriftReport
	for _, r := range s.Results {
		if r.Drifted && r.Recorded != nil {
			reports = append(reports, r.Recorded)
		}
	}
	return reports
}

// ReconcileVendors runs Reconcile for each vendor, records drifted ones as OPEN reports and
// notifies reviewers. It never corrects anything. One vendor failing does not stop the batch.
func ReconcileVendors(ctx context.Context, logger *logrus.Logger, opts ReconcileOptions) (*ReconcileSummary, error) {
	if logger == nil {
		logger = config.GetLogger()
	}
	epsilon := config.CapitalDriftEpsilon()
	if opts.Epsilon != nil {
		if opts.Epsilon.IsNegative() {
			return nil, models.NewCapitalError(models.ErrInvalidInput, "epsilon %s must not be negative", opts.Epsilon)
		}
		epsilon = *opts.Epsilon
	}

	vendorIds := opts.VendorIds
	if len(vendorIds) == 0 {
		ids, err := models.ListVendorIds(ctx)
		if err != nil {
			config.LogError(logger, "ReconciliationWorkflow", "ReconcileVendors", "ListVendorIds", nil, err)
			return nil, err
		}
		vendorIds = ids
	}

	summary := &ReconcileSummary{}
	for _, vendorId := range vendorIds {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		result := reconcileVendor(ctx, logger, vendorId, epsilon, opts)
		summary.Checked++
		if result.Error != "" {
			summary.Failed++
		}
		if result.Drifted {
			summary.Drifted++
		}
		summary.Results = append(summary.Results, result)
	}

	logger.WithFields(logrus.Fields{
		"module":  "ReconciliationWorkflow",
		"checked": summary.Checked,
		"drifted": summary.Drifted,
		"failed":  summary.Failed,
		"epsilon": epsilon.String(),
		"dryRun":  opts.DryRun,
	}).Info("capital reconciliation finished")
	return summary, nil
}

func reconcileVendor(ctx context.Context, logger *logrus.Logger, vendorId string, epsilon decimal.Decimal, opts ReconcileOptions) *VendorReconcileResult {
	result := &VendorReconcileResult{VendorId: vendorId}

	report, err := models.Reconcile(ctx, vendorId)
	if err != nil {
		config.LogError(logger, "ReconciliationWorkflow", "reconcileVendor", "Reconcile", vendorId, err)
		result.Error = err.Error()
		return result
	}
	result.Report = report

	driftErr := report.Err(epsilon)
	if driftErr == nil {
		return result
	}
	result.Drifted = true
	logger.WithFields(logrus.Fields{
		"module":   "ReconciliationWorkflow",
		"vendorId": vendorId,
		"expected": report.ExpectedBalance.String(),
		"actual":   report.ActualBalance.String(),
		"delta":    report.Delta.String(),
	}).Warn(driftErr.Error())

	if opts.DryRun {
		return result
	}

	recorded, err := models.RecordDriftReport(ctx, report)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Recorded = recorded

	if opts.Notifier != nil {
		if err := opts.Notifier.NotifyDrift(ctx, recorded); err != nil && !errors.Is(err, context.Canceled) {
			config.LogError(logger, "ReconciliationWorkflow", "reconcileVendor", "NotifyDrift", recorded.ID, err)
			result.NotifyError = err.Error()
		}
	}
	return result
}
