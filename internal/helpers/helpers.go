package helpers

import (
	"fmt"
	"math"
	"os"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// CounterWriter tracks the number of bytes written through it.
// Total is read concurrently by progress reporters, so it is updated atomically.
type CounterWriter struct {
	total atomic.Int64
}

// Write implements io.Writer; it only counts.
func (cw *CounterWriter) Write(p []byte) (int, error) {
	cw.total.Add(int64(len(p)))
	return len(p), nil
}

// Add records n bytes written elsewhere (positioned writes in segmented downloads).
func (cw *CounterWriter) Add(n int64) {
	cw.total.Add(n)
}

// Total returns the number of bytes counted so far.
func (cw *CounterWriter) Total() int64 {
	return cw.total.Load()
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}
