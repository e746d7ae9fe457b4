package workers

import "homescout_ingest/models"

// LogFunc persists an operator-facing log line (the ops scrape_logs table).
type LogFunc func(level models.LogLevel, jobID, message, marketID string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(level models.LogLevel, jobID, message, marketID string) {}
