package taskqueue

import (
	"encoding/json"
	"fmt"
)

// EncodeTask serializes a Task for durable queues.
func EncodeTask(t Task) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return b, nil
}

// DecodeTask reverses EncodeTask. Numbers in payloads come back as
// float64, as they do from the run stores.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}
