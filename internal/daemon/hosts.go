package daemon

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"

	"go.olrik.dev/stm/internal/orchestrator"
	"go.olrik.dev/stm/internal/sshconfig"
)

const reloadDebounce = 500 * time.Millisecond

// HostView is one entry of the HOSTS reply
type HostView struct {
	orchestrator.Host
	State    orchestrator.State `json:"state"`
	Recent   bool               `json:"recent,omitempty"`
	UseCount int                `json:"use_count,omitempty"`
	LastUsed time.Time          `json:"last_used,omitzero"`
	Tunnels  int                `json:"tunnels"`
}

func toOrchestratorHosts(hosts []sshconfig.Host) []orchestrator.Host {
	out := make([]orchestrator.Host, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, orchestrator.Host{
			Alias:        h.Alias,
			Hostname:     h.EffectiveHostname(),
			User:         h.User,
			Port:         h.Port,
			IdentityFile: h.IdentityFile,
			ProxyJump:    h.ProxyJump,
		})
	}
	return out
}

func (d *Daemon) readHosts() ([]orchestrator.Host, error) {
	hosts, err := d.opts.LoadHosts(d.cfg.SSHConfigPath)
	if err != nil {
		return nil, err
	}
	return toOrchestratorHosts(hosts), nil
}

// reloadHosts re-reads the SSH config and replaces the host list. On error
// the previous list is kept.
func (d *Daemon) reloadHosts() (int, error) {
	hosts, err := d.readHosts()
	if err != nil {
		d.log.Error("SSH config could not be read, keeping previous hosts", "path", d.cfg.SSHConfigPath, "error", err)
		return 0, fmt.Errorf("failed to reload hosts: %w", err)
	}
	d.orch.SetHosts(hosts)
	d.logDaemonEvent("reload", fmt.Sprintf("hosts reloaded from %s: %d", d.cfg.SSHConfigPath, len(hosts)))
	return len(hosts), nil
}

// hostViews lists known hosts, most recently used first (up to
// max_recent_hosts), then the rest in SSH config order.
func (d *Daemon) hostViews() []HostView {
	snap := d.orch.Snapshot()
	hosts := d.orch.Hosts()

	byAlias := make(map[string]orchestrator.Host, len(hosts))
	for _, h := range hosts {
		byAlias[h.Alias] = h
	}

	view := func(h orchestrator.Host, recent bool) HostView {
		v := HostView{Host: h, State: orchestrator.StateIdle, Recent: recent}
		if c, ok := snap.Connection(h.Alias); ok {
			v.State = c.State
			v.Tunnels = len(c.Tunnels)
		}
		if hh, ok := d.history.Host(h.Alias); ok {
			v.UseCount = hh.UseCount
			v.LastUsed = hh.LastUsed
		}
		return v
	}

	views := make([]HostView, 0, len(hosts))
	listed := make(map[string]bool)
	for _, alias := range d.history.RecentHosts(d.cfg.MaxRecentHosts) {
		h, ok := byAlias[alias]
		if !ok {
			continue
		}
		views = append(views, view(h, true))
		listed[alias] = true
	}
	for _, h := range hosts {
		if !listed[h.Alias] {
			views = append(views, view(h, false))
		}
	}
	return views
}

// watchSSHConfig reloads the host list when the SSH config file changes.
func (d *Daemon) watchSSHConfig() {
	path := d.cfg.SSHConfigPath

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Error("Failed to create SSH config watcher", "error", err)
		return
	}
	if err := watcher.Add(path); err != nil {
		d.log.Warn("Failed to watch SSH config", "error", err, "path", path)
		watcher.Close()
		return
	}

	var (
		reloadTimer clock.Timer
		reloadMutex sync.Mutex
	)

	d.background.Add(1)
	go func() {
		defer d.background.Done()
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadMutex.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}

				d.log.Debug("Filesystem event on SSH config", "event", event.Op.String(), "file", event.Name)

				// Editors that save by rename drop the file from the watch list
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					d.rewatch(watcher, path)
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = d.opts.Clock.AfterFunc(reloadDebounce, func() {
					if d.ctx.Err() != nil {
						return
					}
					d.log.Info("SSH config changed, reloading hosts", "file", path)
					if n, err := d.reloadHosts(); err == nil {
						d.log.Info("Hosts reloaded", "hosts", n)
					}
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.log.Error("SSH config watcher error", "error", err)
			}
		}
	}()

	d.log.Info("Watching SSH config for changes", "path", path)
}

// rewatch re-adds path, retrying while an atomic save is still in progress.
func (d *Daemon) rewatch(watcher *fsnotify.Watcher, path string) {
	go func() {
		// 10ms, 20ms, 40ms, 80ms
		for attempt := 0; attempt < 5; attempt++ {
			if attempt > 0 {
				time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
			}
			watcher.Remove(path)
			if err := watcher.Add(path); err == nil {
				return
			} else if attempt == 4 {
				d.log.Error("Failed to re-add SSH config watch", "error", err, "path", path)
			}
		}
	}()
}
