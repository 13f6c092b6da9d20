package daemon

import (
	"time"

	"github.com/msageha/acd/internal/yaml"
)

func (d *Daemon) snapshotLoop() {
	defer d.wg.Done()
	interval := time.Duration(d.config.Daemon.SnapshotIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.writeSnapshot()
		}
	}
}

// writeSnapshot stores the engine's monitoring view in state/queues.yaml.
func (d *Daemon) writeSnapshot() {
	snap := d.engine.Snapshot()
	if err := yaml.AtomicWrite(d.statePath(), snap); err != nil {
		d.log.Error().Err(err).Msg("snapshot_write_failed")
		return
	}
	d.log.Debug().Int("queues", len(snap.Queues)).Msg("snapshot_written")
}
