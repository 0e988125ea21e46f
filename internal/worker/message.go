package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidMessage = errors.New("invalid queue message")

// QueueMessage 佇列中的任務通知
type QueueMessage struct {
	TaskID    string    `json:"task_id"`
	Weight    int       `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
}

func (m QueueMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeQueueMessage(data []byte) (QueueMessage, error) {
	var m QueueMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.TaskID == "" {
		return m, fmt.Errorf("%w: missing task_id", ErrInvalidMessage)
	}
	return m, nil
}
