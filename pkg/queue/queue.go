// Package queue implements C4: the job queue the dispatch loop polls for
// work. It wraps Amazon SQS the way opthub_runner_admin.lib.sqs does in the
// original implementation — long-poll receive, a background goroutine that
// doubles the message's visibility timeout while it is held, and explicit
// delete once the job is fully persisted.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	smithy "github.com/aws/smithy-go"

	"github.com/opthub-org/opthub-runner/pkg/log"
	"github.com/opthub-org/opthub-runner/pkg/opthuberr"
	"github.com/opthub-org/opthub-runner/pkg/trialno"
)

// Kind distinguishes the two message shapes the worker consumes.
type Kind int

const (
	// Evaluator queue messages carry a bare trial number.
	Evaluator Kind = iota
	// Scorer queue messages carry a trial number that is rewritten to its
	// Success# sort-key form, since a score can only ever be computed for
	// a trial whose evaluation already succeeded.
	Scorer
)

// Message is a normalized unit of work, regardless of which queue produced
// it.
type Message struct {
	MatchID       string
	ParticipantID string
	Trial         string
	TrialNo       string
}

// body is the wire shape of an SQS message, shared by both queues; TrialNo
// is transformed into Trial differently per Kind.
type body struct {
	MatchID       string `json:"match_id"`
	ParticipantID string `json:"participant_id"`
	TrialNo       string `json:"trial_no"`
}

// Queue is the contract the dispatch loop depends on.
type Queue interface {
	CheckAccessible(ctx context.Context) error
	GetMessage(ctx context.Context) (Message, error)
	DeleteMessage(ctx context.Context) error
	WakeUpVisibilityExtender(ctx context.Context)
}

// SQSQueue is the production Queue backed by a single SQS queue URL.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
	kind     Kind
	interval time.Duration
	logger   *log.Logger

	mu            sync.Mutex
	receiptHandle *string
	receivedAt    *time.Time

	onExtend func()
}

// NewSQSQueue builds an SQSQueue. interval is the sleep between empty
// long-poll receives. onExtend, if non-nil, is called each time the
// visibility timeout is successfully doubled — wired to a metrics counter
// by callers that care.
func NewSQSQueue(client *sqs.Client, queueURL string, kind Kind, interval time.Duration, logger *log.Logger, onExtend func()) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL, kind: kind, interval: interval, logger: logger, onExtend: onExtend}
}

// CheckAccessible issues a zero-wait receive to confirm credentials and
// queue reachability before the dispatch loop starts accepting work.
func (q *SQSQueue) CheckAccessible(ctx context.Context) error {
	_, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     0,
		VisibilityTimeout:   1,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", opthuberr.ErrQueueUnavailable, err)
	}
	return nil
}

// GetMessage long-polls until a message arrives or ctx is cancelled. It
// records the receipt handle and receive time so WakeUpVisibilityExtender's
// background goroutine can keep the message invisible to other workers.
func (q *SQSQueue) GetMessage(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, fmt.Errorf("%w: %v", opthuberr.ErrCancelled, err)
		}

		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     10,
		})
		if err != nil {
			return Message{}, fmt.Errorf("%w: receive message: %v", opthuberr.ErrQueueUnavailable, err)
		}
		if len(out.Messages) == 0 {
			select {
			case <-ctx.Done():
				return Message{}, fmt.Errorf("%w: %v", opthuberr.ErrCancelled, ctx.Err())
			case <-time.After(q.interval):
			}
			continue
		}

		raw := out.Messages[0]
		var b body
		if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &b); err != nil {
			// A malformed message can never be retried into success; delete it
			// immediately so it does not block the queue forever, and go back
			// to polling.
			_, _ = q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(q.queueURL),
				ReceiptHandle: raw.ReceiptHandle,
			})
			if q.logger != nil {
				q.logger.Error("discarding malformed queue message", "error", err)
			}
			continue
		}

		now := time.Now()
		q.mu.Lock()
		q.receiptHandle = raw.ReceiptHandle
		q.receivedAt = &now
		q.mu.Unlock()

		trial := b.TrialNo
		if q.kind == Scorer {
			trial = trialno.SuccessKey(b.TrialNo)
		}
		return Message{
			MatchID:       b.MatchID,
			ParticipantID: b.ParticipantID,
			Trial:         trial,
			TrialNo:       b.TrialNo,
		}, nil
	}
}

// DeleteMessage removes the currently-held message from the queue and
// clears the receipt handle, stopping the visibility extender's interest in
// it.
func (q *SQSQueue) DeleteMessage(ctx context.Context) error {
	q.mu.Lock()
	rh := q.receiptHandle
	q.mu.Unlock()
	if rh == nil {
		return opthuberr.ErrNoMessage
	}

	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: rh,
	})
	if err != nil {
		return fmt.Errorf("%w: delete message: %v", opthuberr.ErrQueueUnavailable, err)
	}

	q.mu.Lock()
	q.receiptHandle = nil
	q.receivedAt = nil
	q.mu.Unlock()
	return nil
}

// WakeUpVisibilityExtender starts a background goroutine that re-evaluates
// roughly every second whether the currently-held message's visibility
// timeout needs doubling, stopping when ctx is cancelled. Call once per
// queue lifetime; it runs until ctx is done.
func (q *SQSQueue) WakeUpVisibilityExtender(ctx context.Context) {
	go q.extend(ctx)
}

func (q *SQSQueue) extend(ctx context.Context) {
	const initial = 8 * time.Second
	const margin = 4 * time.Second

	current := initial
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		q.mu.Lock()
		rh := q.receiptHandle
		receivedAt := q.receivedAt
		q.mu.Unlock()

		if rh == nil || receivedAt == nil {
			current = initial
			continue
		}
		if time.Since(*receivedAt) < current-margin {
			continue
		}

		next := current * 2
		_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(q.queueURL),
			ReceiptHandle:     rh,
			VisibilityTimeout: int32(next.Seconds()),
		})
		if err != nil {
			// The main loop may have deleted the message between our read of
			// rh and this call; that is not a failure worth logging.
			q.mu.Lock()
			cleared := q.receiptHandle == nil
			q.mu.Unlock()
			if cleared {
				current = initial
				continue
			}
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) && q.logger != nil {
				q.logger.Warn("failed to extend message visibility", "error", err)
			}
			continue
		}
		current = next
		if q.onExtend != nil {
			q.onExtend()
		}
	}
}
