// Package notify delivers workflow notifications to request owners. Jobs are
// queued in Redis so transitions never wait on delivery.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ebrett/jupiter-sub001/internal/domain"
)

// QueueKey is the Redis list holding pending notifications.
const QueueKey = "jupiter:notify:queue"

// DefaultMaxQueueSize caps the queue while the sender is failing.
const DefaultMaxQueueSize int64 = 5000

// ErrQueueFull is returned when the queue has reached its cap.
var ErrQueueFull = errors.New("notify: queue full")

// Notification tells a request owner that their request changed state.
type Notification struct {
	RequestID     int64                `json:"request_id"`
	RequestNumber string               `json:"request_number"`
	OwnerID       int64                `json:"owner_id"`
	ActorID       int64                `json:"actor_id"`
	Event         domain.EventType     `json:"event"`
	FromStatus    domain.RequestStatus `json:"from_status"`
	ToStatus      domain.RequestStatus `json:"to_status"`
	CreatedAt     time.Time            `json:"created_at"`
}

// Notifier accepts notifications for later delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Sender performs the actual delivery.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log. Mail delivery lives outside
// this service.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger.Info("request notification",
		zap.Int64("request_id", n.RequestID),
		zap.String("request_number", n.RequestNumber),
		zap.Int64("owner_id", n.OwnerID),
		zap.String("event", string(n.Event)),
		zap.String("to_status", string(n.ToStatus)),
	)
	return nil
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Queue is a Redis-backed Notifier drained by Run.
type Queue struct {
	rdb     redis.UniversalClient
	sender  Sender
	maxSize int64
	logger  *zap.Logger
}

var _ Notifier = (*Queue)(nil)

// NewQueue wires a queue delivering to sender. maxSize 0 disables the cap.
func NewQueue(rdb redis.UniversalClient, sender Sender, maxSize int64, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, sender: sender, maxSize: maxSize, logger: logger}
}

// enqueueScript pushes only while the list is under the cap.
// KEYS[1] = queue key, ARGV[1] = max size (0 = unlimited), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('LPUSH', KEYS[1], ARGV[2])
return 1
`)

func (q *Queue) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxSize, payload).Int64()
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// Run drains the queue until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		res, err := q.rdb.BRPop(ctx, 2*time.Second, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			q.log().Error("notify worker: pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		q.deliver(ctx, res[1])
	}
}

func (q *Queue) deliver(ctx context.Context, payload string) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		q.log().Error("notify worker: bad payload", zap.Error(err))
		return
	}
	if err := q.sender.Send(ctx, n); err != nil {
		q.log().Error("notify worker: send failed",
			zap.Int64("request_id", n.RequestID),
			zap.String("event", string(n.Event)),
			zap.Error(err),
		)
	}
}

func (q *Queue) log() *zap.Logger {
	if q != nil && q.logger != nil {
		return q.logger
	}
	return zap.L()
}
