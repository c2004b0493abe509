package server

// RunningJob is a background task that can be asked to stop and then awaited.
type RunningJob struct {
	stop   chan struct{}
	closed chan struct{}
}

func (job *RunningJob) RequestStop() {
	close(job.stop)
}

func (job *RunningJob) AwaitStop() {
	<-job.closed
}

// SpawnJob runs start in the background; shutdown runs once a stop is requested.
func SpawnJob(start func(), shutdown func()) RunningJob {
	stop := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		<-stop
		shutdown()
		close(closed)
	}()
	go start()
	return RunningJob{stop: stop, closed: closed}
}

// CombineJobs stops all jobs together and waits for every one of them.
func CombineJobs(jobs ...RunningJob) RunningJob {
	shutdown := func() {
		for _, job := range jobs {
			job.RequestStop()
		}
		for _, job := range jobs {
			job.AwaitStop()
		}
	}
	return SpawnJob(func() {}, shutdown)
}
