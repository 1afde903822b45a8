package metrics

import "sync/atomic"

var (
	samplesCaptured  int64
	uploadsSucceeded int64
	uploadsFailed    int64
	persistFailures  int64
	sweepsRun        int64
	rowsSwept        int64
)

func IncCaptured()        { atomic.AddInt64(&samplesCaptured, 1) }
func IncUploadSucceeded() { atomic.AddInt64(&uploadsSucceeded, 1) }
func IncUploadFailed()    { atomic.AddInt64(&uploadsFailed, 1) }
func IncPersistFailure()  { atomic.AddInt64(&persistFailures, 1) }
func IncSweep(rows int64) {
	atomic.AddInt64(&sweepsRun, 1)
	atomic.AddInt64(&rowsSwept, rows)
}

func Snapshot() map[string]int64 {
	return map[string]int64{
		"samples_captured":  atomic.LoadInt64(&samplesCaptured),
		"uploads_succeeded": atomic.LoadInt64(&uploadsSucceeded),
		"uploads_failed":    atomic.LoadInt64(&uploadsFailed),
		"persist_failures":  atomic.LoadInt64(&persistFailures),
		"sweeps_run":        atomic.LoadInt64(&sweepsRun),
		"rows_swept":        atomic.LoadInt64(&rowsSwept),
	}
}
