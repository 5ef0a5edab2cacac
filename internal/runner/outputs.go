package runner

import (
	"encoding/json"
	"sync"

	"github.com/splax/depwatch/pkg/async"
)

// Output is one payload reported by the updater through the callback API.
type Output struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outputList struct {
	mu    sync.Mutex
	items []Output
}

// OutputCollector accumulates per-job outputs reported while the job runs.
// The per-job list is created lazily on the first report and consumed
// atomically when the job is finalized.
type OutputCollector struct {
	cache *async.Cache[string, *outputList]
}

// NewOutputCollector builds an empty collector.
func NewOutputCollector() *OutputCollector {
	return &OutputCollector{cache: async.NewCache[string, *outputList]()}
}

// Append records one output for the job.
func (c *OutputCollector) Append(jobID string, out Output) {
	list, _ := c.cache.GetOrAdd(jobID, func() (*outputList, error) {
		return &outputList{}, nil
	})
	list.mu.Lock()
	list.items = append(list.items, out)
	list.mu.Unlock()
}

// Take removes and returns everything reported for the job so far.
func (c *OutputCollector) Take(jobID string) []Output {
	list, ok := c.cache.Peek(jobID)
	if !ok {
		return nil
	}
	c.cache.Delete(jobID)
	list.mu.Lock()
	items := list.items
	list.items = nil
	list.mu.Unlock()
	return items
}
