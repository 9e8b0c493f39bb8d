package worker

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// reconcileQueueKey is the Redis list carrying fingerprints of devices
// that completed a conversion and may have open abandonment signals.
const reconcileQueueKey = "funnel:reconcile"

// Enqueuer pushes converted fingerprints onto the reconciliation queue.
// It satisfies funnel.ReconcileEnqueuer.
type Enqueuer struct {
	rdb *redis.Client
}

// NewEnqueuer creates a queue producer.
func NewEnqueuer(rdb *redis.Client) *Enqueuer {
	return &Enqueuer{rdb: rdb}
}

// Enqueue queues a fingerprint for reconciliation.
func (e *Enqueuer) Enqueue(ctx context.Context, fingerprint string) error {
	return e.rdb.LPush(ctx, reconcileQueueKey, fingerprint).Err()
}

// Reconciler retracts recent abandonment records for one fingerprint.
type Reconciler interface {
	Reconcile(ctx context.Context, fingerprint string, now time.Time) (int64, error)
}

// ReconcileWorker consumes the reconciliation queue. It is
// conversion-triggered and scoped to one fingerprint per message, not
// a blind sweep; the deletes are idempotent so redelivery is harmless.
type ReconcileWorker struct {
	rdb     *redis.Client
	tracker Reconciler
	done    chan struct{}
}

// NewReconcileWorker creates the consumer.
func NewReconcileWorker(rdb *redis.Client, tracker Reconciler) *ReconcileWorker {
	return &ReconcileWorker{rdb: rdb, tracker: tracker, done: make(chan struct{})}
}

// Start begins the consume loop in a goroutine.
func (w *ReconcileWorker) Start(ctx context.Context) {
	log.Printf("[Reconcile] Starting (queue=%s)", reconcileQueueKey)
	go w.poll(ctx)
}

// Stop signals the consume loop to exit.
func (w *ReconcileWorker) Stop() {
	close(w.done)
}

func (w *ReconcileWorker) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}

		res, err := w.rdb.BRPop(ctx, 5*time.Second, reconcileQueueKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Reconcile] queue receive error: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if len(res) < 2 {
			continue
		}
		fingerprint := res[1]

		deleted, err := w.tracker.Reconcile(ctx, fingerprint, time.Now().UTC())
		if err != nil {
			log.Printf("[Reconcile] reconcile failed for %s: %v", fingerprint, err)
			continue
		}
		if deleted > 0 {
			log.Printf("[Reconcile] Retracted %d abandonment records for %s", deleted, fingerprint)
		}
	}
}
