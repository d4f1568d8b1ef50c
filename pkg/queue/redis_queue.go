// Package queue is a Redis Streams job queue with consumer groups, retry and
// per-job status hashes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	"argumentcoach/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is one archive request and its processing status.
type Job struct {
	ID           string    `json:"id"`
	ArgumentID   string    `json:"argumentId"`
	UserID       string    `json:"userId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one job. A non-nil error schedules a retry until the
// attempt budget is spent.
type Handler func(context.Context, Job) error

type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	groupOnce    sync.Once
	groupErr     error
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func (cfg RedisQueueConfig) withDefaults() RedisQueueConfig {
	if strings.TrimSpace(cfg.Group) == "" {
		cfg.Group = "default"
	}
	if strings.TrimSpace(cfg.Consumer) == "" {
		cfg.Consumer = util.NewID()
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 24 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.ClaimCount <= 0 {
		cfg.ClaimCount = 10
	}
	return cfg
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	cfg = cfg.withDefaults()
	return &RedisJobQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        strings.TrimSpace(cfg.Group),
		consumerBase: strings.TrimSpace(cfg.Consumer),
		jobTTL:       cfg.JobTTL,
		maxRetries:   cfg.MaxRetries,
		block:        cfg.Block,
		claimIdle:    cfg.ClaimIdle,
		retryDelay:   cfg.RetryDelay,
		maxLen:       cfg.MaxLen,
		readCount:    cfg.ReadCount,
		claimCount:   cfg.ClaimCount,
	}, nil
}

// Close releases the Redis client.
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// Enqueue records a queued job for argumentID and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, argumentID, userID string) (Job, error) {
	argumentID = strings.TrimSpace(argumentID)
	if argumentID == "" {
		return Job{}, errors.New("argumentId required")
	}
	now := time.Now().UTC()
	job := Job{
		ID:         util.NewID(),
		ArgumentID: argumentID,
		UserID:     strings.TrimSpace(userID),
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, q.addArgs(job)).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob returns the recorded status of jobID.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Run consumes the stream with concurrency consumers until ctx is done.
func (q *RedisJobQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		g.Go(func() error {
			q.consumeLoop(gctx, consumer, handler)
			return nil
		})
	}
	return g.Wait()
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) error {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		msgs, err := q.claimPending(ctx, consumer)
		if err != nil && ctx.Err() == nil {
			slog.Warn("queue claim pending failed", "stream", q.stream, "consumer", consumer, "err", err)
		}
		for _, msg := range msgs {
			q.handleMessage(ctx, msg, handler)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("queue read failed", "stream", q.stream, "consumer", consumer, "err", err)
				q.sleep(ctx, q.retryDelay)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	ref := Job{
		ID:         cast.ToString(msg.Values["job_id"]),
		ArgumentID: cast.ToString(msg.Values["argument_id"]),
		UserID:     cast.ToString(msg.Values["user_id"]),
	}
	if ref.ID == "" || ref.ArgumentID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.transition(ctx, ref, StatusProcessing, "", true)
	if err != nil {
		slog.Warn("queue mark processing failed", "job_id", ref.ID, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	herr := handler(ctx, job)
	if herr == nil {
		_, _ = q.transition(ctx, job, StatusDone, "", false)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		slog.Error("queue job failed", "job_id", job.ID, "argument_id", job.ArgumentID, "attempts", job.Attempts, "err", herr)
		_, _ = q.transition(ctx, job, StatusFailed, herr.Error(), false)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_, _ = q.transition(ctx, job, StatusQueued, herr.Error(), false)
	if !q.sleep(ctx, q.retryDelay) {
		return
	}
	if err := q.requeueAndAck(ctx, msg.ID, job); err != nil {
		slog.Warn("queue requeue failed", "job_id", job.ID, "err", err)
	}
}

func (q *RedisJobQueue) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck appends a fresh copy of job and drops msgID in one
// transaction, so a failure leaves the original message pending.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID string, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(job))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) addArgs(job Job) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":      job.ID,
			"argument_id": job.ArgumentID,
			"user_id":     job.UserID,
		},
	}
}

// transition loads the stored status of ref, applies status and persists it.
func (q *RedisJobQueue) transition(ctx context.Context, ref Job, status, errMsg string, attempt bool) (Job, error) {
	job, ok, err := q.GetJob(ctx, ref.ID)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		job = Job{ID: ref.ID}
	}
	if ref.ArgumentID != "" {
		job.ArgumentID = ref.ArgumentID
	}
	if ref.UserID != "" {
		job.UserID = ref.UserID
	}
	if attempt {
		job.Attempts++
	}
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"argumentId": job.ArgumentID,
		"userId":     job.UserID,
		"status":     job.Status,
		"error":      job.ErrorMessage,
		"attempts":   job.Attempts,
		"createdAt":  job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  job.UpdatedAt.Format(time.RFC3339Nano),
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, payload)
	pipe.Expire(ctx, key, q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{
		ID:           jobID,
		ArgumentID:   data["argumentId"],
		UserID:       data["userId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
		Attempts:     cast.ToInt(data["attempts"]),
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
