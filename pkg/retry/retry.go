// Package retry is the best-effort job retry layer: messages whose jobs are
// still queued upstream are republished with exponential backoff, bounded by
// a max-attempts counter embedded in the message.
package retry

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wisbric/runnerd/internal/telemetry"
	"github.com/wisbric/runnerd/pkg/ghapi"
	"github.com/wisbric/runnerd/pkg/scaleup"
)

// maxQueueDelay is the queue's upper bound on per-message delivery delay.
const maxQueueDelay = 900 * time.Second

// SQSAPI is the queue surface the republisher consumes.
type SQSAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config mirrors JOB_RETRY_CONFIG.
type Config struct {
	Enable       bool
	MaxAttempts  int
	InitialDelay time.Duration
	Backoff      float64
	QueueURL     string
}

// Republisher re-enqueues scale-up messages whose jobs are still queued.
// Everything here is best-effort: upstream failures are logged and
// swallowed.
type Republisher struct {
	sqs        SQSAPI
	factory    scaleup.UpstreamFactory
	cfg        Config
	orgRunners bool
	logger     *slog.Logger
}

// NewRepublisher creates a Republisher.
func NewRepublisher(api SQSAPI, factory scaleup.UpstreamFactory, cfg Config, orgRunners bool, logger *slog.Logger) *Republisher {
	return &Republisher{sqs: api, factory: factory, cfg: cfg, orgRunners: orgRunners, logger: logger}
}

// Enabled reports whether the retry layer is configured to run.
func (r *Republisher) Enabled() bool {
	return r.cfg.Enable && r.cfg.QueueURL != ""
}

// Delay computes the delivery delay for a message about to carry the given
// retry counter, capped at the queue maximum.
func (r *Republisher) Delay(retryCounter int) time.Duration {
	exp := retryCounter - 1
	if exp < 0 {
		exp = 0
	}
	d := time.Duration(float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Backoff, float64(exp)))
	if d > maxQueueDelay {
		return maxQueueDelay
	}
	return d
}

// Handle republishes the message if its job is still queued upstream and the
// attempt budget is not exhausted. It never returns an error.
func (r *Republisher) Handle(ctx context.Context, m scaleup.Message) {
	if !r.Enabled() {
		return
	}

	next := 0
	if m.RetryCounter != nil {
		next = *m.RetryCounter + 1
	}
	if next >= r.cfg.MaxAttempts {
		r.logger.Info("retry budget exhausted, dropping message",
			"job_id", m.ID, "attempts", next)
		return
	}

	scope := ghapi.Scope{Owner: m.RepositoryOwner}
	if !r.orgRunners {
		scope.Repo = m.RepositoryName
	}
	up, err := r.factory.ForScope(ctx, scope, m.InstallationID)
	if err != nil {
		r.logger.Warn("retry check: creating upstream client", "job_id", m.ID, "error", err)
		return
	}
	status, err := up.GetJobStatus(ctx, m.RepositoryOwner, m.RepositoryName, m.ID)
	if err != nil {
		r.logger.Warn("retry check: fetching job status", "job_id", m.ID, "error", err)
		return
	}
	if status != "queued" {
		r.logger.Debug("retry check: job no longer queued", "job_id", m.ID, "status", status)
		return
	}

	out := m
	out.RetryCounter = &next
	body, err := json.Marshal(out)
	if err != nil {
		r.logger.Error("retry check: encoding message", "job_id", m.ID, "error", err)
		return
	}

	delay := r.Delay(next)
	_, err = r.sqs.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(r.cfg.QueueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		r.logger.Warn("retry check: republishing message", "job_id", m.ID, "error", err)
		return
	}
	telemetry.RetryPublishedTotal.Inc()
	r.logger.Info("message republished for retry",
		"job_id", m.ID, "attempt", next, "delay", delay)
}
