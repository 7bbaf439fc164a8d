package ports

// Notifier defines the interface for sending notifications to external systems
type Notifier interface {
	// NotifyBatchPublished reports a batch that reached the platform
	NotifyBatchPublished(summary BatchSummary) error

	// NotifyCycleFailed reports a cycle that ended without persisting state
	NotifyCycleFailed(failure CycleFailure) error
}

// Notification data structures

type BatchSummary struct {
	Connector   string
	Batch       string
	ReportName  string
	Observables int
	Indicators  int
	Removed     int
	Rejected    int
	Mode        string
}

type CycleFailure struct {
	Connector string
	Kind      string
	Phase     string
	Error     string
}
