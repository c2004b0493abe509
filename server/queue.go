package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zyfrank/privacy-vault/logging"
)

const (
	ProofQueue           = "pv_proof_queue"
	ProofProcessingQueue = "pv_proof_processing_queue"
	ProofFailedQueue     = "pv_proof_failed_queue"

	resultKeyPrefix = "pv_proof_result_"
	ResultTTL       = time.Hour
)

type ProofJob struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type RedisQueue struct {
	Client *redis.Client
	Ctx    context.Context
}

func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.DialTimeout = 10 * time.Second
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 10 * time.Second
	opts.MaxRetries = 3

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Logger().Info().Str("redis_addr", opts.Addr).Msg("connected to Redis")
	return &RedisQueue{Client: client, Ctx: context.Background()}, nil
}

func (rq *RedisQueue) EnqueueProof(queueName string, job *ProofJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := rq.Client.RPush(rq.Ctx, queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	logging.Logger().Info().Str("job_id", job.ID).Str("queue", queueName).Msg("job enqueued")
	return nil
}

// DequeueProof blocks for up to timeout and returns nil when the queue stays empty.
func (rq *RedisQueue) DequeueProof(queueName string, timeout time.Duration) (*ProofJob, error) {
	result, err := rq.Client.BLPop(rq.Ctx, timeout, queueName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid result from Redis")
	}

	var job ProofJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (rq *RedisQueue) StoreResult(jobID string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := rq.Client.Set(rq.Ctx, resultKeyPrefix+jobID, data, ResultTTL).Err(); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// GetResult returns redis.Nil while no result is stored for jobID.
func (rq *RedisQueue) GetResult(jobID string) (json.RawMessage, error) {
	data, err := rq.Client.Get(rq.Ctx, resultKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (rq *RedisQueue) GetQueueStats() (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, queue := range []string{ProofQueue, ProofProcessingQueue, ProofFailedQueue} {
		length, err := rq.Client.LLen(rq.Ctx, queue).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get length of %s: %w", queue, err)
		}
		stats[queue] = length
	}
	return stats, nil
}

// FindJob looks for jobID in queueName, including the processing and failed
// copies of the job.
func (rq *RedisQueue) FindJob(queueName, jobID string) (*ProofJob, error) {
	items, err := rq.Client.LRange(rq.Ctx, queueName, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		var job ProofJob
		if json.Unmarshal([]byte(item), &job) != nil {
			continue
		}
		if job.ID == jobID || job.ID == jobID+"_processing" || job.ID == jobID+"_failed" {
			return &job, nil
		}
	}
	return nil, nil
}

func (rq *RedisQueue) removeJob(queueName, jobID string) {
	items, err := rq.Client.LRange(rq.Ctx, queueName, 0, -1).Result()
	if err != nil {
		return
	}
	for _, item := range items {
		var job ProofJob
		if json.Unmarshal([]byte(item), &job) == nil && job.ID == jobID {
			rq.Client.LRem(rq.Ctx, queueName, 1, item)
			return
		}
	}
}
