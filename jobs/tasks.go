// Package jobs holds the background task definitions and the Asynq
// worker wrapper.
package jobs

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRecoveryEmail delivers a password recovery email.
	TaskRecoveryEmail = "auth:recovery_email"
	// TaskSessionSweep terminates sessions past their idle timeout.
	TaskSessionSweep = "session:sweep"
)

// RecoveryEmailPayload describes a password recovery delivery.
type RecoveryEmailPayload struct {
	Email       string `json:"email"`
	RedirectURL string `json:"redirect_url"`
}

// NewRecoveryEmailTask constructs the Asynq task.
func NewRecoveryEmailTask(payload RecoveryEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecoveryEmail, data), nil
}

// NewSessionSweepTask constructs the periodic sweep task.
func NewSessionSweepTask() *asynq.Task {
	return asynq.NewTask(TaskSessionSweep, nil)
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueRecoveryEmail queues a password recovery email for delivery.
func (c *Client) EnqueueRecoveryEmail(ctx context.Context, email, redirectURL string) error {
	task, err := NewRecoveryEmailTask(RecoveryEmailPayload{Email: email, RedirectURL: redirectURL})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
