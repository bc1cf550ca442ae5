package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const maxDeliveryAttempts = 5

// Target is one webhook destination for package events.
type Target struct {
	Name    string
	URL     string
	Secret  string
	Timeout time.Duration
}

// Dispatcher delivers queued events to the configured webhook targets with
// exponential backoff. Delivery is best effort: notifications carry no
// authority, the event ledger already holds the truth.
type Dispatcher struct {
	queue   *Queue
	targets map[string]Target
	client  *http.Client
	logger  *slog.Logger
	nowFn   func() time.Time
}

func NewDispatcher(queue *Queue, targets []Target, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Target, len(targets))
	for _, target := range targets {
		byName[target.Name] = target
	}
	return &Dispatcher{
		queue:   queue,
		targets: byName,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		nowFn:   time.Now,
	}
}

// Run processes delivery tasks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		task, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Target == "" {
			d.fanOut(task)
			continue
		}
		d.deliver(ctx, task)
	}
}

// fanOut expands a fresh event into one delivery task per target.
func (d *Dispatcher) fanOut(task Task) {
	for name := range d.targets {
		d.queue.enqueueTask(Task{Event: task.Event, Target: name})
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task Task) {
	target, ok := d.targets[task.Target]
	if !ok {
		return
	}
	body := map[string]interface{}{
		"id":            task.Event.ID,
		"type":          task.Event.Type,
		"escrow_pubkey": task.Event.EscrowPubKey,
		"actor_pubkey":  task.Event.ActorPubKey,
		"attributes":    task.Event.Attributes,
		"timestamp":     task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		d.logger.Error("encode webhook payload", "target", target.Name, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Error("build webhook request", "target", target.Name, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if target.Secret != "" {
		req.Header.Set("X-Webhook-Signature", signPayload(target.Secret, payload))
	}

	client := d.client
	if target.Timeout > 0 {
		scoped := *d.client
		scoped.Timeout = target.Timeout
		client = &scoped
	}
	resp, err := client.Do(req)
	if err != nil {
		d.retryLater(task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.retryLater(task, resp.Status)
		return
	}
	d.logger.Debug("webhook delivered", "target", target.Name, "event_id", task.Event.ID, "type", task.Event.Type)
}

func (d *Dispatcher) retryLater(task Task, cause string) {
	attempt := task.Attempt + 1
	if attempt >= maxDeliveryAttempts {
		d.logger.Warn("webhook delivery abandoned",
			"target", task.Target, "event_id", task.Event.ID, "attempts", attempt, "cause", cause)
		return
	}
	task.Attempt = attempt
	task.NotBefore = d.nowFn().Add(backoffDuration(attempt))
	d.queue.enqueueTask(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
