// Package server exposes a proving backend over HTTP, optionally with a Redis
// job queue for asynchronous requests.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/zyfrank/privacy-vault/logging"
	"github.com/zyfrank/privacy-vault/prover"
)

type Config struct {
	ProverAddress  string
	MetricsAddress string
	// ProofTimeout bounds a synchronous proof request.
	ProofTimeout time.Duration
}

type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func malformedBodyError(err error) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: "malformed_body", Message: err.Error()}
}

func provingError(err error) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: "proving_error", Message: err.Error()}
}

func unexpectedError(err error) *Error {
	return &Error{StatusCode: http.StatusInternalServerError, Code: "unexpected_error", Message: err.Error()}
}

func (error *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"code":    error.Code,
		"message": error.Message,
	})
}

func (error *Error) send(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(error.StatusCode)
	jsonBytes, err := error.MarshalJSON()
	if err != nil {
		jsonBytes = []byte(`{"code": "unexpected_error", "message": "failed to marshal error"}`)
	}
	length, err := w.Write(jsonBytes)
	if err != nil || length != len(jsonBytes) {
		logging.Logger().Error().Err(err).Msg("error writing response")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Logger().Error().Err(err).Msg("error writing response")
	}
}

type proveHandler struct {
	backend    prover.Backend
	redisQueue *RedisQueue
	timeout    time.Duration
}

func (handler proveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		logging.Logger().Error().Err(err).Msg("error reading request body")
		malformedBodyError(err).send(w)
		return
	}

	meta, err := prover.ParseProofRequestMeta(buf)
	if err != nil {
		malformedBodyError(err).send(w)
		return
	}

	async := r.Header.Get("X-Async") == "true" || r.URL.Query().Get("async") == "true"
	useQueue := async && handler.redisQueue != nil

	logging.Logger().Info().
		Str("circuit_type", string(meta.CircuitType)).
		Uint32("tree_height", meta.TreeHeight).
		Bool("use_queue", useQueue).
		Msg("processing prove request")

	if useQueue {
		handler.handleAsyncProof(w, r, buf, meta)
	} else {
		handler.handleSyncProof(w, r, buf, meta)
	}
}

func (handler proveHandler) handleAsyncProof(w http.ResponseWriter, r *http.Request, buf []byte, meta prover.ProofRequestMeta) {
	jobID := uuid.New().String()
	job := &ProofJob{
		ID:        jobID,
		Type:      "pv_proof",
		Payload:   json.RawMessage(buf),
		CreatedAt: time.Now(),
	}

	if err := handler.redisQueue.EnqueueProof(ProofQueue, job); err != nil {
		logging.Logger().Warn().Err(err).Msg("queue failed, falling back to synchronous processing")
		handler.handleSyncProof(w, r, buf, meta)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":       jobID,
		"status":       "queued",
		"circuit_type": string(meta.CircuitType),
		"status_url":   fmt.Sprintf("/prove/status?job_id=%s", jobID),
	})
}

func (handler proveHandler) handleSyncProof(w http.ResponseWriter, r *http.Request, buf []byte, meta prover.ProofRequestMeta) {
	witness, err := prover.ParseWitness(buf)
	if err != nil {
		malformedBodyError(err).send(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), handler.timeout)
	defer cancel()

	timer := StartProofTimer(string(meta.CircuitType))
	proof, err := handler.backend.Prove(ctx, witness)
	if errors.Is(err, context.DeadlineExceeded) {
		timer.ObserveError("timeout")
		(&Error{
			StatusCode: http.StatusRequestTimeout,
			Code:       "proof_timeout",
			Message:    fmt.Sprintf("proof generation timed out after %s, retry with X-Async: true", handler.timeout),
		}).send(w)
		return
	}
	if err != nil {
		timer.ObserveError("proving_error")
		provingError(err).send(w)
		return
	}
	timer.ObserveDuration()

	responseBytes, err := json.Marshal(proof)
	if err != nil {
		unexpectedError(err).send(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(responseBytes); err != nil {
		logging.Logger().Error().Err(err).Msg("error writing response")
	}
}

type proofStatusHandler struct {
	redisQueue *RedisQueue
}

func (handler proofStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		malformedBodyError(fmt.Errorf("job_id parameter required")).send(w)
		return
	}
	if _, err := uuid.Parse(jobID); err != nil {
		(&Error{
			StatusCode: http.StatusBadRequest,
			Code:       "invalid_job_id",
			Message:    "Invalid job ID format. Job ID must be a valid UUID.",
		}).send(w)
		return
	}

	result, err := handler.redisQueue.GetResult(jobID)
	if err != nil && !errors.Is(err, redis.Nil) {
		unexpectedError(err).send(w)
		return
	}
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id": jobID,
			"status": "completed",
			"result": result,
		})
		return
	}

	for _, candidate := range []struct{ queue, status string }{
		{ProofQueue, "queued"},
		{ProofProcessingQueue, "processing"},
		{ProofFailedQueue, "failed"},
	} {
		job, err := handler.redisQueue.FindJob(candidate.queue, jobID)
		if err != nil {
			unexpectedError(err).send(w)
			return
		}
		if job == nil {
			continue
		}
		response := map[string]interface{}{
			"job_id":     jobID,
			"status":     candidate.status,
			"created_at": job.CreatedAt,
		}
		if candidate.status == "failed" {
			var details struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(job.Payload, &details) == nil {
				response["error"] = details.Error
			}
		}
		writeJSON(w, http.StatusAccepted, response)
		return
	}

	(&Error{
		StatusCode: http.StatusNotFound,
		Code:       "job_not_found",
		Message:    fmt.Sprintf("Job with ID %s not found. It may have expired or never existed.", jobID),
	}).send(w)
}

type queueStatsHandler struct {
	redisQueue *RedisQueue
}

func (handler queueStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := handler.redisQueue.GetQueueStats()
	if err != nil {
		unexpectedError(err).send(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queues":        stats,
		"total_pending": stats[ProofQueue],
		"total_active":  stats[ProofProcessingQueue],
		"total_failed":  stats[ProofFailedQueue],
		"timestamp":     time.Now().Unix(),
	})
}

type healthHandler struct {
}

func (handler healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NewHandler builds the prover routes. redisQueue may be nil, in which case
// every request is proved synchronously.
func NewHandler(backend prover.Backend, redisQueue *RedisQueue, proofTimeout time.Duration) http.Handler {
	if proofTimeout <= 0 {
		proofTimeout = 5 * time.Minute
	}
	mux := http.NewServeMux()
	mux.Handle("/prove", proveHandler{backend: backend, redisQueue: redisQueue, timeout: proofTimeout})
	mux.Handle("/health", healthHandler{})
	if redisQueue != nil {
		mux.Handle("/prove/status", proofStatusHandler{redisQueue: redisQueue})
		mux.Handle("/queue/stats", queueStatsHandler{redisQueue: redisQueue})
	}

	corsHandler := handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization", "X-Async"}),
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
	)
	return corsHandler(mux)
}

func Run(config *Config, backend prover.Backend, redisQueue *RedisQueue) RunningJob {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: config.MetricsAddress, Handler: metricsMux}
	metricsJob := spawnServerJob(metricsServer, "metrics server")
	logging.Logger().Info().Str("addr", config.MetricsAddress).Msg("metrics server started")

	proverServer := &http.Server{Addr: config.ProverAddress, Handler: NewHandler(backend, redisQueue, config.ProofTimeout)}
	proverJob := spawnServerJob(proverServer, "prover server")
	logging.Logger().Info().
		Str("addr", config.ProverAddress).
		Bool("queue_enabled", redisQueue != nil).
		Msg("prover server started")

	return CombineJobs(metricsJob, proverJob)
}

func spawnServerJob(server *http.Server, label string) RunningJob {
	start := func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(fmt.Sprintf("%s failed: %s", label, err))
		}
	}
	shutdown := func() {
		logging.Logger().Info().Msgf("shutting down %s", label)
		if err := server.Shutdown(context.Background()); err != nil {
			logging.Logger().Error().Err(err).Msgf("error when shutting down %s", label)
		}
		logging.Logger().Info().Msgf("%s shut down", label)
	}
	return SpawnJob(start, shutdown)
}
