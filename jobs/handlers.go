package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-hq/gatehouse/internal/session"
)

// Mailer delivers a single message. Implemented by SMTPMailer.
type Mailer interface {
	Send(to, subject, body string) error
}

// NewRecoveryEmailHandler builds the handler for TaskRecoveryEmail.
// Unknown addresses are dropped silently so the queue cannot be used to
// probe for registered accounts.
func NewRecoveryEmailHandler(pool *pgxpool.Pool, mailer Mailer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload RecoveryEmailPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}

		var fullName string
		err := pool.QueryRow(ctx, `SELECT full_name FROM users WHERE email = $1`, payload.Email).Scan(&fullName)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				logger.Info("recovery requested for unknown address")
				return nil
			}
			return fmt.Errorf("jobs: lookup account: %w", err)
		}

		body := fmt.Sprintf("Hello %s,\n\nA password recovery was requested for your account.\nFollow this link to continue: %s\n\nIf you did not request this, ignore this message.\n", fullName, payload.RedirectURL)
		if err := mailer.Send(payload.Email, "Password recovery", body); err != nil {
			return err
		}
		logger.Info("recovery email sent", slog.String("email", payload.Email))
		return nil
	}
}

// NewSessionSweepHandler builds the handler for TaskSessionSweep. The
// sweep runs against the shared session store so idle expiry does not
// depend on the session's next request hitting the server. Principal
// snapshots are removed with the session; the server's in-memory state
// reconciles on its own next resolve or sweep.
func NewSessionSweepHandler(store *session.Store, idleTimeout time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		cutoff := time.Now().Add(-idleTimeout)
		tokens, err := store.IdleTokens(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, token := range tokens {
			rec, err := store.Get(ctx, token)
			if err != nil {
				if !errors.Is(err, session.ErrNoSession) {
					logger.Warn("load idle session", slog.Any("error", err))
				}
				continue
			}
			if err := store.Delete(ctx, token); err != nil {
				logger.Warn("delete idle session", slog.Any("error", err))
				continue
			}
			if err := store.DeleteSnapshot(ctx, rec.PrincipalID); err != nil {
				logger.Warn("delete principal snapshot", slog.Any("error", err))
			}
		}
		if len(tokens) > 0 {
			logger.Info("idle sessions swept", slog.Int("count", len(tokens)))
		}
		return nil
	}
}
