package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/metrics"
)

// ReportKey returns the registry key of the inventory report for a day
func ReportKey(day time.Time) string {
	return "inventory:" + day.Format("2006-01-02")
}

func (a *API) handleJobs() {
	a.queue.HandleEvent(EventLowStockAlert, a.handleLowStockAlert)
	a.queue.HandleEvent(EventLowStockScan, a.handleLowStockScan)
	a.queue.HandleEvent(EventDailyInventoryReport, a.handleDailyReport)
}

func (a *API) handleLowStockAlert(ctx context.Context, e jobs.Event) error {
	var alert LowStockAlert
	if err := json.Unmarshal(e.Payload, &alert); err != nil {
		// a broken payload will not heal with a retry
		logger.FromContext(ctx).WithError(err).Errorln("Error 5101: invalid low stock alert")
		return nil
	}
	logger.FromContext(ctx).Warnf("low stock: %s (%s) has %d left, reorder level %d",
		alert.SKU, alert.Name, alert.Quantity, alert.ReorderLevel)
	metrics.RecordLowStockAlert()
	if a.notifier != nil {
		a.notifier.Notify(EventLowStockAlert, core.OperationUpdate, e.Payload)
	}
	return nil
}

// handleLowStockScan raises an alert for every low item. The day is the key, so
// an item is reported at most once per day by the scan.
func (a *API) handleLowStockScan(ctx context.Context, e jobs.Event) error {
	entries, err := a.LowStock(ctx)
	if err != nil {
		return err
	}
	day := time.Now().UTC().Format("2006-01-02")
	for i := range entries {
		item := &entries[i].Item
		event := jobs.Event{
			Type:       EventLowStockAlert,
			Key:        day,
			Resource:   "item",
			ResourceID: item.ItemID,
		}.WithPayload(alertFor(item))
		if err := a.queue.RaiseEventIfNotExist(ctx, event); err != nil {
			return err
		}
	}
	logger.FromContext(ctx).Infof("low stock scan found %d items", len(entries))
	return nil
}

func (a *API) handleDailyReport(ctx context.Context, e jobs.Event) error {
	s, err := a.settings.Load(ctx)
	if err != nil {
		return err
	}
	report, err := a.StockReport(ctx)
	if err != nil {
		return err
	}
	key := ReportKey(report.GeneratedAt.In(s.Location()))
	if err := a.reports.Write(ctx, key, report); err != nil {
		return fmt.Errorf("cannot store report %s: %w", key, err)
	}
	logger.FromContext(ctx).Infof("stored inventory report %s: %d items worth %s", key, report.Items, report.Value)
	return nil
}

// ReadDailyReport returns the stored report of a day
func (a *API) ReadDailyReport(ctx context.Context, day time.Time) (*StockReport, error) {
	report := &StockReport{}
	written, err := a.reports.Read(ctx, ReportKey(day), report)
	if err != nil {
		return nil, err
	}
	if written.IsZero() {
		return nil, nil
	}
	return report, nil
}

// Schedule installs the scheduled events with the settings' cron specs
func (a *API) Schedule(ctx context.Context, scheduler *jobs.Scheduler) error {
	s, err := a.settings.Load(ctx)
	if err != nil {
		return err
	}
	if err := scheduler.Every(s.LowStockScan, jobs.Event{Type: EventLowStockScan}); err != nil {
		return err
	}
	return scheduler.Every(s.DailyReport, jobs.Event{Type: EventDailyInventoryReport})
}
