// Package notification hands user notifications to the communications
// workers through a message queue.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tanmoy095/PaySynapse/internal/payment"
	"github.com/Tanmoy095/PaySynapse/shared/contracts"
)

// QueuePublisher is satisfied by shared/rabbitmq.Client.
type QueuePublisher interface {
	Publish(ctx context.Context, queueName string, body []byte) error
}

// QueueNotifier implements payment.Notifier by enqueueing email jobs.
type QueueNotifier struct {
	pub   QueuePublisher
	queue string
	log   *zap.Logger
	clock func() time.Time
}

var _ payment.Notifier = (*QueueNotifier)(nil)

func NewQueueNotifier(pub QueuePublisher, queue string, log *zap.Logger) *QueueNotifier {
	if queue == "" {
		queue = contracts.EmailQueue
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &QueueNotifier{pub: pub, queue: queue, log: log.Named("notification"), clock: time.Now}
}

func (q *QueueNotifier) Notify(ctx context.Context, userID uuid.UUID, n payment.Notification) error {
	job := contracts.EmailJob{
		ID:        uuid.NewString(),
		UserID:    userID.String(),
		To:        n.Email,
		Name:      n.Name,
		Template:  n.Template,
		Data:      n.Data,
		CreatedAt: q.clock().UTC(),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal email job: %w", err)
	}
	if err := q.pub.Publish(ctx, q.queue, body); err != nil {
		return fmt.Errorf("enqueue %s for %s: %w", n.Template, userID, err)
	}
	q.log.Debug("[Notify] email job queued",
		zap.String("template", n.Template),
		zap.String("user_id", job.UserID),
		zap.String("job_id", job.ID))
	return nil
}
