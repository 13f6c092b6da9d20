package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/acd/internal/model"
)

func (d *Daemon) rosterPath() string {
	return filepath.Join(d.dir, RosterFile)
}

// startRosterWatch applies the roster once and then follows edits to it.
// The directory is watched rather than the file so editors that replace
// the file on save are still seen.
func (d *Daemon) startRosterWatch() error {
	d.reloadRoster()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(d.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}
	d.watcher = watcher

	d.wg.Add(1)
	go d.rosterLoop()
	return nil
}

func (d *Daemon) rosterLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != RosterFile {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				d.log.Debug().Str("op", event.Op.String()).Msg("roster_changed")
				d.reloadRoster()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Error().Err(err).Msg("fsnotify_error")
		}
	}
}

// reloadRoster applies operators.yaml if it exists. A file that fails to
// parse leaves the current flags alone.
func (d *Daemon) reloadRoster() {
	path := d.rosterPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	roster, err := model.LoadRoster(path)
	if err != nil {
		d.log.Warn().Err(err).Msg("roster_invalid")
		return
	}
	unknown := d.engine.ApplyRoster(roster)
	for _, id := range unknown {
		d.log.Warn().Str("operator", id).Msg("roster_unknown_operator")
	}
	d.log.Info().Int("entries", len(roster.Operators)).Msg("roster_applied")
}
