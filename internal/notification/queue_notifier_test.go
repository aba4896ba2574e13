package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tanmoy095/PaySynapse/internal/payment"
	"github.com/Tanmoy095/PaySynapse/shared/contracts"
)

type fakeQueue struct {
	queue string
	body  []byte
	err   error
}

func (f *fakeQueue) Publish(ctx context.Context, queueName string, body []byte) error {
	f.queue, f.body = queueName, body
	return f.err
}

func TestNotify_EnqueuesEmailJob(t *testing.T) {
	q := &fakeQueue{}
	n := NewQueueNotifier(q, "", nil)
	user := uuid.New()

	err := n.Notify(context.Background(), user, payment.Notification{
		Template: payment.TemplatePaymentReceived,
		Email:    "ada@example.com",
		Name:     "Ada",
		Data:     map[string]string{"amount": "100.00"},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.EmailQueue, q.queue)

	var job contracts.EmailJob
	require.NoError(t, json.Unmarshal(q.body, &job))
	assert.Equal(t, user.String(), job.UserID)
	assert.Equal(t, "ada@example.com", job.To)
	assert.Equal(t, payment.TemplatePaymentReceived, job.Template)
	assert.Equal(t, "100.00", job.Data["amount"])
	assert.NotEmpty(t, job.ID)
}

func TestNotify_PublishError(t *testing.T) {
	q := &fakeQueue{err: errors.New("channel closed")}
	n := NewQueueNotifier(q, "custom", nil)
	err := n.Notify(context.Background(), uuid.New(), payment.Notification{Template: "x"})
	require.Error(t, err)
	assert.Equal(t, "custom", q.queue)
}
