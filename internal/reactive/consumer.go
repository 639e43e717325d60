// Package reactive implements the reactive consumer: a process that blocks
// on a job queue, spawns a runner for each job, and waits for that job to
// be picked up before acknowledging the message, guaranteeing at-least-once
// delivery.
package reactive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thpham/runnerfleet/internal/identity"
	"github.com/thpham/runnerfleet/internal/lifecycle"
	"github.com/thpham/runnerfleet/internal/platform"
)

// EndProcessingPayload is a sentinel message used to stop a consumer
// gracefully without it coming from the upstream router.
const EndProcessingPayload = "__END__"

const (
	pickupPollAttempts = 10
	pickupPollInterval = 30 * time.Second
)

// Message is one item read off the queue.
type Message struct {
	Payload string
}

// Queue is the minimal at-least-once delivery contract the consumer needs.
// A message read by Receive is not considered delivered until Ack is
// called; RejectRequeue makes it immediately available to another
// consumer, RejectDrop discards it without a second attempt.
type Queue interface {
	Receive(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
	RejectRequeue(ctx context.Context, msg Message) error
	RejectDrop(ctx context.Context, msg Message) error
}

// JobDetails is the payload carried by each queue message.
type JobDetails struct {
	Labels []string `json:"labels"`
	URL    string   `json:"url"`
}

// JobError marks a message that could not be parsed or validated and was
// rejected without requeue.
type JobError struct{ Err error }

func (e *JobError) Error() string { return fmt.Sprintf("job error: %v", e.Err) }
func (e *JobError) Unwrap() error { return e.Err }

// Consumer implements the one-job-per-message reactive loop.
type Consumer struct {
	queue           Queue
	lifecycleMgr    *lifecycle.Manager
	platform        platform.Driver
	supportedLabels map[string]struct{}
	log             *logrus.Logger
}

// NewConsumer builds a reactive consumer over a queue, a lifecycle
// manager, and a platform driver.
func NewConsumer(q Queue, lifecycleMgr *lifecycle.Manager, platformDriver platform.Driver, supportedLabels []string, log *logrus.Logger) *Consumer {
	set := make(map[string]struct{}, len(supportedLabels))
	for _, l := range supportedLabels {
		set[strings.ToLower(l)] = struct{}{}
	}
	return &Consumer{queue: q, lifecycleMgr: lifecycleMgr, platform: platformDriver, supportedLabels: set, log: log}
}

// Run consumes exactly one job-carrying message (or the end sentinel) per
// call, matching the process-per-message isolation model: a crash handling
// one message must not destabilize the next. Callers loop Run until it
// returns ErrEndOfProcessing or ctx is cancelled.
var ErrEndOfProcessing = fmt.Errorf("end of processing sentinel received")

func (c *Consumer) Run(ctx context.Context) error {
	msg, err := c.queue.Receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive message: %w", err)
	}

	if msg.Payload == EndProcessingPayload {
		_ = c.queue.Ack(ctx, msg)
		return ErrEndOfProcessing
	}

	details, err := c.parseJobDetails(ctx, msg)
	if err != nil {
		return err
	}

	if !c.validateLabels(details.Labels) {
		c.log.WithField("labels", details.Labels).Error("unsupported job labels, rejecting message")
		_ = c.queue.RejectDrop(ctx, msg)
		return nil
	}

	meta := identity.RunnerMetadata{}
	picked, err := c.platform.CheckJobDispatched(ctx, meta, details.URL)
	if err == nil && picked {
		_ = c.queue.Ack(ctx, msg)
		return nil
	}

	return c.spawnRunner(ctx, details, msg)
}

func (c *Consumer) parseJobDetails(ctx context.Context, msg Message) (JobDetails, error) {
	var details JobDetails
	if err := json.Unmarshal([]byte(msg.Payload), &details); err != nil {
		_ = c.queue.RejectDrop(ctx, msg)
		return JobDetails{}, &JobError{Err: fmt.Errorf("invalid job details: %w", err)}
	}
	if u, err := url.Parse(details.URL); err != nil || u.Path == "" {
		_ = c.queue.RejectDrop(ctx, msg)
		return JobDetails{}, &JobError{Err: fmt.Errorf("job url path must be provided")}
	}

	c.log.WithFields(logrus.Fields{"labels": details.Labels, "job_url": details.URL}).Info("received reactive job")
	return details, nil
}

// validateLabels reports whether labels is a case-folded subset of the
// consumer's supported labels.
func (c *Consumer) validateLabels(labels []string) bool {
	for _, l := range labels {
		if _, ok := c.supportedLabels[strings.ToLower(l)]; !ok {
			return false
		}
	}
	return true
}

// spawnRunner creates one reactive runner for the job, then polls up to
// pickupPollAttempts times (pickupPollInterval apart) for pickup before
// giving up and requeuing the message for another consumer to retry.
func (c *Consumer) spawnRunner(ctx context.Context, details JobDetails, msg Message) error {
	created, err := c.lifecycleMgr.CreateRunners(ctx, 1, true, details.Labels)
	if err != nil || len(created) == 0 {
		c.log.WithError(err).Error("failed to spawn a reactive runner, rejecting message for requeue")
		_ = c.queue.RejectRequeue(ctx, msg)
		return nil
	}

	meta := identity.RunnerMetadata{}
	for i := 0; i < pickupPollAttempts; i++ {
		picked, err := c.platform.CheckJobDispatched(ctx, meta, details.URL)
		if err == nil && picked {
			_ = c.queue.Ack(ctx, msg)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pickupPollInterval):
		}
	}

	_ = c.queue.RejectRequeue(ctx, msg)
	return nil
}
