package scaleup

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Event kinds carried by scale-up request messages.
const (
	EventWorkflowJob = "workflow_job"
	EventCheckRun    = "check_run"
)

// Owner kinds carried by scale-up request messages.
const (
	OwnerTypeOrganization = "Organization"
	OwnerTypeUser         = "User"
)

// Message is one scale-up request from the webhook queue. The payload is
// immutable; DeliveryID is the queue-level receipt used for per-message
// failure reporting and never part of the JSON body.
type Message struct {
	ID              int64  `json:"id"`
	EventType       string `json:"eventType"`
	RepositoryName  string `json:"repositoryName"`
	RepositoryOwner string `json:"repositoryOwner"`
	InstallationID  int64  `json:"installationId"`
	RepoOwnerType   string `json:"repoOwnerType"`
	RetryCounter    *int   `json:"retryCounter,omitempty"`

	DeliveryID string `json:"-"`
}

// RetryCount returns the retry counter, zero when unset.
func (m Message) RetryCount() int {
	if m.RetryCounter == nil {
		return 0
	}
	return *m.RetryCounter
}

// Decode parses a queue message body.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decoding scale-up message: %w", err)
	}
	if m.ID == 0 {
		return Message{}, fmt.Errorf("decoding scale-up message: missing job id")
	}
	if m.RepositoryOwner == "" {
		return Message{}, fmt.Errorf("decoding scale-up message: missing repository owner")
	}
	return m, nil
}

// SortByRetryCount orders messages ascending by retry counter, stably. With
// the cap applied front-first, the youngest retries are deferred and the
// oldest are kept, which fails persistently unschedulable jobs fast.
func SortByRetryCount(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].RetryCount() < msgs[j].RetryCount()
	})
}
