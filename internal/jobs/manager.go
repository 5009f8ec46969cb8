package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vrsandeep/pplx-kit/internal/config"
	"github.com/vrsandeep/pplx-kit/internal/logger"
	"github.com/vrsandeep/pplx-kit/internal/websocket"
)

// JobContext is an interface that provides the necessary dependencies for a job to run.
// The core.App struct will implement this interface.
type JobContext interface {
	Config() *config.Config
	Logger() *logger.Service
	WsHub() *websocket.Hub
	JobManager() *JobManager
	SyncPlugins(ctx context.Context) error
}

type jobTask func(ctx JobContext) error

type JobStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "idle", "running", "success", "failed"
	Message   string    `json:"message"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// ProgressUpdate is broadcast over the websocket while a job runs.
type ProgressUpdate struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
	Done    bool   `json:"done"`
}

type JobManager struct {
	mu      sync.Mutex
	jobs    map[string]jobTask
	status  map[string]*JobStatus
	running bool
	appCtx  JobContext // Store the app context for scheduled jobs
	log     logger.Logger
}

func NewManager(appCtx JobContext) *JobManager {
	return &JobManager{
		jobs:   make(map[string]jobTask),
		status: make(map[string]*JobStatus),
		appCtx: appCtx,
		log:    appCtx.Logger().Create("jobs"),
	}
}

func (jm *JobManager) Register(id, name string, task jobTask) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs[id] = task
	jm.status[id] = &JobStatus{ID: id, Name: name, Status: "idle"}
}

// RunJob starts the job in the background. Only one job runs at a time.
func (jm *JobManager) RunJob(id string, ctx JobContext) error {
	jm.mu.Lock()
	if jm.running {
		jm.mu.Unlock()
		return fmt.Errorf("a job is already running")
	}

	task, ok := jm.jobs[id]
	if !ok {
		jm.mu.Unlock()
		return fmt.Errorf("job '%s' not found", id)
	}

	jm.running = true
	status := jm.status[id]
	status.Status = "running"
	status.StartTime = time.Now()
	status.EndTime = time.Time{}
	status.Message = "Job started..."
	jm.mu.Unlock()

	jm.log.Info(fmt.Sprintf("Starting job: %s", id))
	go func() {
		var taskErr error
		defer func() {
			jm.mu.Lock()
			if r := recover(); r != nil {
				jm.log.Error(fmt.Sprintf("Job '%s' panicked: %v", id, r))
				status.Status = "failed"
				status.Message = fmt.Sprintf("Job panicked: %v", r)
			} else if taskErr != nil {
				status.Status = "failed"
				status.Message = taskErr.Error()
			} else {
				status.Status = "success"
				status.Message = "Job completed successfully."
			}
			status.EndTime = time.Now()
			jm.running = false
			update := ProgressUpdate{JobID: id, Message: status.Message, Done: true}
			jm.mu.Unlock()

			if hub := ctx.WsHub(); hub != nil {
				hub.BroadcastJSON(update)
			}
			jm.log.Info(fmt.Sprintf("Finished job: %s (%s)", id, update.Message))
		}()

		taskErr = task(ctx)
	}()
	return nil
}

// IsRunning reports whether a job is in progress.
func (jm *JobManager) IsRunning() bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.running
}

// GetStatus returns a copy of every job's status, sorted by id.
func (jm *JobManager) GetStatus() []JobStatus {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	statuses := make([]JobStatus, 0, len(jm.status))
	for _, s := range jm.status {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}
