package metrics

import "optionflow/logger"

// WriterStats holds cumulative counters of one export sink.
type WriterStats struct {
	BatchesWritten int64
	FilesWritten   int64
	BytesWritten   int64
	ErrorsCount    int64
	QueueLen       int
	QueueCap       int
}

// ErrorRate is the share of failed batches.
func (s WriterStats) ErrorRate() float64 {
	total := s.BatchesWritten + s.ErrorsCount
	if total == 0 {
		return 0
	}
	return float64(s.ErrorsCount) / float64(total)
}

// ReportWriter emits the sink's counters as metrics, so they reach the
// dashboard and CloudWatch, then logs a summary line. The summary is a
// warning once any batch failed.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	if log == nil {
		log = logger.GetLogger()
	}

	avgBytesPerFile := float64(0)
	if stats.FilesWritten > 0 {
		avgBytesPerFile = float64(stats.BytesWritten) / float64(stats.FilesWritten)
	}

	for _, m := range []struct {
		name  string
		value interface{}
		kind  string
	}{
		{"batches_written", stats.BatchesWritten, "counter"},
		{"files_written", stats.FilesWritten, "counter"},
		{"bytes_written", stats.BytesWritten, "counter"},
		{"errors_count", stats.ErrorsCount, "counter"},
		{"error_rate", stats.ErrorRate(), "gauge"},
		{"avg_bytes_per_file", avgBytesPerFile, "gauge"},
		{"queue_len", stats.QueueLen, "gauge"},
	} {
		EmitMetric(log, component, m.name, m.value, m.kind, nil)
	}

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"batches_written":    stats.BatchesWritten,
		"files_written":      stats.FilesWritten,
		"bytes_written":      stats.BytesWritten,
		"errors_count":       stats.ErrorsCount,
		"error_rate":         stats.ErrorRate(),
		"avg_bytes_per_file": avgBytesPerFile,
		"queue_len":          stats.QueueLen,
		"queue_cap":          stats.QueueCap,
	})
	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
