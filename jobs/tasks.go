package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskGenerateRecurring creates the month's recurring invoices.
	TaskGenerateRecurring = "billing:generate_recurring"
	// TaskSendReminders notifies customers about upcoming and overdue invoices.
	TaskSendReminders = "billing:send_reminders"
	// TaskMarkOverdue flips past-due invoices to overdue.
	TaskMarkOverdue = "billing:mark_overdue"
	// TaskProcessDebitOrders submits collection requests for flagged invoices.
	TaskProcessDebitOrders = "billing:process_debit_orders"
	// TaskSyncToZoho pushes dirty entities to the external ledger.
	TaskSyncToZoho = "billing:sync_to_zoho"
)

// RunPayload parameterises a billing job run. An empty period means "the
// period containing now", resolved by the handler.
type RunPayload struct {
	Period     string `json:"period,omitempty"`
	CycleDay   int    `json:"cycle_day,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

// NewRunTask constructs an Asynq task for one of the billing job types.
func NewRunTask(taskType string, payload RunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}
