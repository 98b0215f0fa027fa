package looprun

import (
	"time"

	"github.com/looprun/looprun/pkg/looprun/observability"
)

// runMonitor is the idle watchdog. It scans live instances and pauses
// suspended ones that have not seen an event within their definition's
// idle timeout. Paused loops keep accepting events into history; a Resume
// delivers the backlog.
func (r *Runtime) runMonitor(interval time.Duration) {
	defer close(r.monitorDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.monitorStop:
			return
		case now := <-ticker.C:
			r.instances.Range(func(id string, inst *Instance) bool {
				if inst.def.idleTimeout <= 0 {
					return true
				}
				if inst.Status() != StatusSuspended {
					return true
				}
				if inst.IdleFor(now) > inst.def.idleTimeout {
					if err := r.Pause(id); err == nil {
						observability.LogLifecycle(r.logger, id, "idle-pause", string(StatusPaused))
					}
				}
				return true
			})
		}
	}
}
