package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/vrsandeep/pplx-kit/internal/logger"
)

// PluginSyncJobID reconciles the registry with the plugins directory.
const PluginSyncJobID = "plugin-sync"

// RegisterDefaults registers the built-in jobs on jm.
func RegisterDefaults(jm *JobManager) {
	jm.Register(PluginSyncJobID, "Plugin Sync", RunPluginSync)
}

// RunPluginSync is the task behind the plugin-sync job.
func RunPluginSync(app JobContext) error {
	if hub := app.WsHub(); hub != nil {
		hub.BroadcastJSON(ProgressUpdate{JobID: PluginSyncJobID, Message: "Syncing plugins..."})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return app.SyncPlugins(ctx)
}

// StartJobs starts the background job scheduler. The caller stops it.
func StartJobs(app JobContext) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	log := app.Logger().Create("scheduler")

	startPluginSyncJob(s, app, log)

	log.Info("Starting background job scheduler...")
	s.StartAsync()
	return s
}

func startPluginSyncJob(s *gocron.Scheduler, app JobContext, log logger.Logger) {
	interval := app.Config().Plugins.SyncInterval
	if interval <= 0 {
		log.Info("Plugin sync interval is 0, scheduled sync is disabled.")
		return
	}

	log.Info(fmt.Sprintf("Scheduling job: '%s' to run every %d minutes.", PluginSyncJobID, interval))

	// The first run happens at start-up, not on the scheduler.
	_, err := s.Every(interval).Minutes().WaitForSchedule().Do(func() {
		log.Debug("Scheduler is triggering job: " + PluginSyncJobID)
		// Submit the job to the manager instead of running it directly.
		// This prevents conflicts with manually triggered jobs.
		if err := app.JobManager().RunJob(PluginSyncJobID, app); err != nil {
			log.Warn(fmt.Sprintf("Scheduled job '%s' could not start", PluginSyncJobID), err)
		}
	})
	if err != nil {
		log.Error(fmt.Sprintf("Error scheduling '%s' job", PluginSyncJobID), err)
	}
}
