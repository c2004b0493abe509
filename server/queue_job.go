package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zyfrank/privacy-vault/logging"
	"github.com/zyfrank/privacy-vault/prover"
)

type QueueWorker interface {
	Start()
	Stop()
}

// ProofQueueWorker takes jobs from the proof queue, proves them with its
// backend and stores the results.
type ProofQueueWorker struct {
	queue    *RedisQueue
	backend  prover.Backend
	stopChan chan struct{}
}

func NewProofQueueWorker(redisQueue *RedisQueue, backend prover.Backend) *ProofQueueWorker {
	return &ProofQueueWorker{
		queue:    redisQueue,
		backend:  backend,
		stopChan: make(chan struct{}),
	}
}

func (w *ProofQueueWorker) Start() {
	logging.Logger().Info().Str("queue", ProofQueue).Msg("starting queue worker")
	for {
		select {
		case <-w.stopChan:
			logging.Logger().Info().Str("queue", ProofQueue).Msg("queue worker stopping")
			return
		default:
			w.processJobs()
		}
	}
}

func (w *ProofQueueWorker) Stop() {
	close(w.stopChan)
}

func (w *ProofQueueWorker) processJobs() {
	job, err := w.queue.DequeueProof(ProofQueue, 5*time.Second)
	if err != nil {
		logging.Logger().Error().Err(err).Str("queue", ProofQueue).Msg("error dequeuing from queue")
		time.Sleep(2 * time.Second)
		return
	}
	if job == nil {
		return
	}
	w.processJob(job)
}

func (w *ProofQueueWorker) processJob(job *ProofJob) {
	logging.Logger().Info().Str("job_id", job.ID).Msg("processing proof job")

	processingJob := &ProofJob{
		ID:        job.ID + "_processing",
		Type:      "processing",
		Payload:   job.Payload,
		CreatedAt: time.Now(),
	}
	if err := w.queue.EnqueueProof(ProofProcessingQueue, processingJob); err != nil {
		logging.Logger().Warn().Err(err).Str("job_id", job.ID).Msg("could not mark job as processing")
	}

	err := w.processProofJob(job)
	w.queue.removeJob(ProofProcessingQueue, processingJob.ID)
	RecordJobComplete(err == nil)
	if err != nil {
		logging.Logger().Error().Err(err).Str("job_id", job.ID).Msg("failed to process proof job")
		w.addToFailedQueue(job, err)
	}
}

func (w *ProofQueueWorker) processProofJob(job *ProofJob) error {
	witness, err := prover.ParseWitness(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to parse proof request: %w", err)
	}

	timer := StartProofTimer(string(witness.Circuit()))
	proof, err := w.backend.Prove(context.Background(), witness)
	if err != nil {
		timer.ObserveError("proving_error")
		return err
	}
	timer.ObserveDuration()
	return w.queue.StoreResult(job.ID, proof)
}

func (w *ProofQueueWorker) addToFailedQueue(job *ProofJob, err error) {
	failedJob := map[string]interface{}{
		"original_job": job,
		"error":        err.Error(),
		"failed_at":    time.Now(),
	}
	failedData, _ := json.Marshal(failedJob)
	failed := &ProofJob{
		ID:        job.ID + "_failed",
		Type:      "failed",
		Payload:   json.RawMessage(failedData),
		CreatedAt: time.Now(),
	}
	if err := w.queue.EnqueueProof(ProofFailedQueue, failed); err != nil {
		logging.Logger().Error().Err(err).Str("job_id", job.ID).Msg("could not record failed job")
	}
}
