package scaleup

import (
	"testing"
)

func TestDecode(t *testing.T) {
	body := `{"id":4711,"eventType":"workflow_job","repositoryName":"api","repositoryOwner":"acme","installationId":12,"repoOwnerType":"Organization","retryCounter":2}`
	m, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if m.ID != 4711 || m.EventType != EventWorkflowJob || m.RepositoryOwner != "acme" {
		t.Errorf("Decode() = %+v", m)
	}
	if m.RetryCount() != 2 {
		t.Errorf("RetryCount() = %d, want 2", m.RetryCount())
	}
}

func TestDecodeMissingFields(t *testing.T) {
	for _, body := range []string{
		`{}`,
		`{"id":1}`,
		`not json`,
	} {
		if _, err := Decode([]byte(body)); err == nil {
			t.Errorf("Decode(%q) expected error", body)
		}
	}
}

func TestRetryCountUnset(t *testing.T) {
	if got := (Message{}).RetryCount(); got != 0 {
		t.Errorf("RetryCount() = %d, want 0", got)
	}
}

func TestSortByRetryCountStable(t *testing.T) {
	two := 2
	one := 1
	msgs := []Message{
		{ID: 1, RetryCounter: &two},
		{ID: 2},
		{ID: 3, RetryCounter: &one},
		{ID: 4},
	}
	SortByRetryCount(msgs)
	want := []int64{2, 4, 3, 1}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Fatalf("order = %v, want %v", ids(msgs), want)
		}
	}
}

func ids(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
