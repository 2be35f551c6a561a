package uploader

const (
	EventTaskStarted    = "uploader.task.started"
	EventTaskStopped    = "uploader.task.stopped"
	EventItemProcessed  = "uploader.item.processed"
	EventScheduleFailed = "uploader.schedule.failed"
)

type TaskEvent struct {
	BatchID string
	Reason  string // stopped events only
}

type ItemEvent struct {
	BatchID   string
	ItemID    string
	Title     string
	Documents int
	Video     bool
}
