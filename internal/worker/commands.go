package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
)

// Operator commands arriving on the commands topic.
const (
	CommandRetrySweep = "retry-sweep"
	CommandReconcile  = "reconcile"
	CommandStaleSync  = "sync-stale"
)

type Command struct {
	Name                   string `json:"command"`
	ProviderSubscriptionID string `json:"providerSubscriptionId,omitempty"`
	UserID                 string `json:"userId,omitempty"`
}

// CommandHandler runs batch jobs on request. Its Handle method has the shape
// of the Kafka consumer callback.
type CommandHandler struct {
	retry *RetryScheduler
	rec   *Reconciler
	log   *zap.Logger
}

func NewCommandHandler(retry *RetryScheduler, rec *Reconciler, log *zap.Logger) *CommandHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandHandler{retry: retry, rec: rec, log: log.Named("commands")}
}

// Handle decodes and runs one command. Malformed commands are logged and
// acknowledged (nil) since redelivery cannot fix them.
func (h *CommandHandler) Handle(ctx context.Context, key, value []byte) error {
	var cmd Command
	if err := json.Unmarshal(value, &cmd); err != nil {
		h.log.Warn("[Commands] dropping undecodable command", zap.ByteString("key", key), zap.Error(err))
		return nil
	}
	err := h.run(ctx, cmd)
	if err != nil && isSkip(err) {
		h.log.Warn("[Commands] dropping invalid command", zap.String("command", cmd.Name), zap.Error(err))
		return nil
	}
	return err
}

func (h *CommandHandler) run(ctx context.Context, cmd Command) error {
	h.log.Info("[Commands] running", zap.String("command", cmd.Name))
	switch cmd.Name {
	case CommandRetrySweep:
		_, err := h.retry.Sweep(ctx)
		return err
	case CommandStaleSync:
		_, err := h.rec.SyncStalePending(ctx)
		return err
	case CommandReconcile:
		switch {
		case cmd.ProviderSubscriptionID != "":
			res, err := h.rec.ReconcileSubscription(ctx, cmd.ProviderSubscriptionID)
			h.logResult(cmd, res)
			return err
		case cmd.UserID != "":
			userID, err := uuid.Parse(cmd.UserID)
			if err != nil {
				return derrors.Validation("userId", "not a uuid: %q", cmd.UserID)
			}
			res, err := h.rec.ReconcileUser(ctx, userID)
			h.logResult(cmd, res)
			return err
		}
		return derrors.Validation("command", "reconcile needs providerSubscriptionId or userId")
	}
	return derrors.Validation("command", "unknown command %q", cmd.Name)
}

func (h *CommandHandler) logResult(cmd Command, res ReconcileResult) {
	h.log.Info("[Commands] reconcile finished",
		zap.String("subscription", cmd.ProviderSubscriptionID),
		zap.String("user_id", cmd.UserID),
		zap.String("result", fmt.Sprintf("%+v", res)))
}
