package feed

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

// NotifyChannel is the channel the bookmarks trigger notifies on.
const NotifyChannel = "bookmark_changes"

// PGListener relays NOTIFY payloads from the bookmarks trigger into a Publisher.
type PGListener struct {
	dsn     string
	target  Publisher
	logger  *zap.SugaredLogger
	wait    time.Duration
	maxWait time.Duration
}

func NewPGListener(dsn string, target Publisher, logger *zap.SugaredLogger) *PGListener {
	return &PGListener{
		dsn:     dsn,
		target:  target,
		logger:  logger,
		wait:    500 * time.Millisecond,
		maxWait: 30 * time.Second,
	}
}

// Run listens until ctx is done, reconnecting with exponential backoff.
func (l *PGListener) Run(ctx context.Context) error {
	wait := l.wait
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warnw("postgres listener disconnected", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		wait *= 2
		if wait > l.maxWait {
			wait = l.maxWait
		}
	}
}

func (l *PGListener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return errors.Wrap(err, "listen")
	}
	l.logger.Infow("listening for bookmark changes", "channel", NotifyChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return errors.Wrap(err, "wait for notification")
		}
		relay(ctx, []byte(n.Payload), l.target, l.logger)
	}
}

func relay(ctx context.Context, payload []byte, target Publisher, logger *zap.SugaredLogger) {
	c, err := models.DecodeChange(payload)
	if err != nil {
		logger.Warnw("dropping malformed change", "error", err)
		return
	}
	if err := target.Publish(ctx, c); err != nil {
		logger.Warnw("relay change", "error", err, "id", c.RowID())
	}
}
