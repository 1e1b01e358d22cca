// Package daemon provides the background sync daemon.
//
// The daemon:
// 1. Watches an edits/ drop directory for queued mutation files
// 2. Probes server connectivity on an interval
// 3. Drains the mutation queue whenever connectivity returns
// 4. Refreshes the local mirror when the last pull is stale
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shelfsync/shelfsync/internal/api"
	"github.com/shelfsync/shelfsync/internal/dashboard"
	"github.com/shelfsync/shelfsync/internal/entity"
	"github.com/shelfsync/shelfsync/internal/pull"
	"github.com/shelfsync/shelfsync/internal/queue"
	"github.com/shelfsync/shelfsync/internal/store"
	"github.com/shelfsync/shelfsync/internal/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// ProbeInterval is how often to check server reachability.
	ProbeInterval time.Duration

	// DebounceInterval is how long to wait before processing edit files.
	// This batches rapid writes together.
	DebounceInterval time.Duration

	// StaleAfter is the age at which the local mirror is re-pulled on
	// reconnect.
	StaleAfter time.Duration

	// Dashboard, when set, receives daemon events (connectivity
	// transitions, pull completions, queue depth after drains).
	Dashboard *dashboard.Server

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:    30 * time.Second,
		DebounceInterval: 200 * time.Millisecond,
		StaleAfter:       15 * time.Minute,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// editFile is the on-disk format of a dropped mutation.
// Other processes write these into edits/ instead of talking to the
// database directly.
type editFile struct {
	Operation string         `json:"operation"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entityId,omitempty"`
	Payload   map[string]any `json:"payload"`
	DependsOn []string       `json:"dependsOn,omitempty"`
}

// Daemon orchestrates edit ingestion, connectivity probing, and queue
// draining.
type Daemon struct {
	store       *store.Store
	queue       *queue.Queue
	puller      *pull.Puller
	manager     *syncer.Manager
	api         *api.Client
	workspaceID string
	editsDir    string
	config      *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	online   bool
	onlineMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// Use Start() to begin watching and syncing.
func New(st *store.Store, q *queue.Queue, puller *pull.Puller, manager *syncer.Manager, client *api.Client, workspaceID, editsDir string, config *Config) (*Daemon, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if manager == nil {
		return nil, fmt.Errorf("sync manager cannot be nil")
	}
	if workspaceID == "" {
		return nil, fmt.Errorf("workspaceID cannot be empty")
	}
	if editsDir == "" {
		return nil, fmt.Errorf("editsDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:       st,
		queue:       q,
		puller:      puller,
		manager:     manager,
		api:         client,
		workspaceID: workspaceID,
		editsDir:    editsDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Ingest any edit files already sitting in the drop directory
// 2. Start watching for new edit files
// 3. Probe connectivity and drain the queue when the server is reachable
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.editsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create edits directory: %w", err)
	}

	// Pick up anything dropped while the daemon was down.
	if err := d.ingestExisting(); err != nil {
		return fmt.Errorf("initial edit ingestion failed: %w", err)
	}

	if err := d.watcher.Add(d.editsDir); err != nil {
		return fmt.Errorf("failed to watch edits directory: %w", err)
	}

	d.config.Logger.Printf("Watching: %s", d.editsDir)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.probeConnectivity()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// Online reports the result of the most recent connectivity probe.
func (d *Daemon) Online() bool {
	d.onlineMu.Lock()
	defer d.onlineMu.Unlock()
	return d.online
}

// ingestExisting enqueues all edit files present in the drop directory.
func (d *Daemon) ingestExisting() error {
	entries, err := os.ReadDir(d.editsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read edits directory: %w", err)
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(d.editsDir, e.Name())
		if err := d.ingestEditFile(path); err != nil {
			d.config.Logger.Printf("Warning: failed to ingest %s: %v", path, err)
			continue
		}
		count++
	}
	if count > 0 {
		d.config.Logger.Printf("Ingested %d dropped edit(s)", count)
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write; removals are the daemon
			// consuming files it already processed.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges ingests files that have been queued for long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	ingested := false

	for path, queuedAt := range d.changeQueue {
		// Only process if enough time has passed (debouncing)
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}

		if err := d.ingestEditFile(path); err != nil {
			d.config.Logger.Printf("Error ingesting %s: %v", path, err)
		} else {
			ingested = true
		}

		delete(d.changeQueue, path)
	}

	// New queue entries can drain immediately when the server is up.
	if ingested && d.Online() {
		d.drain()
	}
}

// ingestEditFile parses a dropped mutation file, enqueues it, and removes
// the file. A file that fails validation is renamed aside rather than
// retried forever.
func (d *Daemon) ingestEditFile(path string) error {
	// A delete event can race the debounce tick.
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read edit file: %w", err)
	}

	var edit editFile
	if err := json.Unmarshal(data, &edit); err != nil {
		d.quarantine(path)
		return fmt.Errorf("failed to parse edit file: %w", err)
	}

	op, err := entity.ParseOperation(edit.Operation)
	if err != nil {
		d.quarantine(path)
		return err
	}
	kind, err := entity.ParseKind(edit.Entity)
	if err != nil {
		d.quarantine(path)
		return err
	}

	key, err := d.queue.Enqueue(d.ctx, op, kind, edit.Payload, queue.Options{
		EntityID:  edit.EntityID,
		DependsOn: edit.DependsOn,
	})
	if err != nil {
		d.quarantine(path)
		return fmt.Errorf("failed to enqueue edit: %w", err)
	}

	d.config.Logger.Printf("Enqueued %s %s from %s (key=%s)", op, kind, filepath.Base(path), key)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.config.Logger.Printf("Warning: failed to remove %s: %v", path, err)
	}
	return nil
}

// quarantine renames a malformed edit file out of the watched extension.
func (d *Daemon) quarantine(path string) {
	if err := os.Rename(path, path+".rejected"); err != nil && !os.IsNotExist(err) {
		d.config.Logger.Printf("Warning: failed to quarantine %s: %v", path, err)
	}
}

// probeConnectivity checks server reachability on an interval and reacts
// to transitions.
func (d *Daemon) probeConnectivity() {
	defer d.wg.Done()

	// Probe immediately on startup, then on the ticker.
	d.probe()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.probe()
		}
	}
}

// probe pings the server and, on an offline-to-online transition, drains
// the queue and refreshes the mirror when it has gone stale.
func (d *Daemon) probe() {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	err := d.api.Ping(ctx)
	reachable := err == nil

	d.onlineMu.Lock()
	wasOnline := d.online
	d.online = reachable
	d.onlineMu.Unlock()

	if reachable != wasOnline {
		d.broadcast(dashboard.MessageTypeConnectivity, dashboard.ConnectivityData{Online: reachable})
	}

	switch {
	case reachable && !wasOnline:
		d.config.Logger.Println("Server reachable, draining queue")
		d.drain()
		d.refreshIfStale()
	case !reachable && wasOnline:
		d.config.Logger.Printf("Server unreachable: %v", err)
	}
}

// broadcast forwards an event to the dashboard when one is attached.
func (d *Daemon) broadcast(typ dashboard.MessageType, data any) {
	if d.config.Dashboard != nil {
		d.config.Dashboard.BroadcastData(typ, data)
	}
}

// drain runs one queue drain, tolerating a drain already in flight.
func (d *Daemon) drain() {
	result, err := d.manager.ProcessQueue(d.ctx)
	if errors.Is(err, syncer.ErrBusy) {
		return
	}
	if err != nil {
		d.config.Logger.Printf("Error draining queue: %v", err)
		return
	}
	if result.Attempted > 0 {
		d.config.Logger.Printf("Drained queue: committed=%d conflicted=%d failed=%d",
			result.Committed, result.Conflicted, result.Failed)
	}

	if d.config.Dashboard != nil {
		stats, err := d.store.QueueStats(d.ctx)
		if err != nil {
			d.config.Logger.Printf("Error reading queue stats: %v", err)
			return
		}
		d.broadcast(dashboard.MessageTypeQueueStats, dashboard.QueueStatsData{
			Pending: stats[store.StatusPending],
			Syncing: stats[store.StatusSyncing],
			Failed:  stats[store.StatusFailed],
		})
	}
}

// refreshIfStale re-pulls the full mirror when the last successful pull is
// older than StaleAfter.
func (d *Daemon) refreshIfStale() {
	if d.puller == nil {
		return
	}

	last, err := d.store.GetSyncMeta(d.ctx, store.MetaLastSync)
	if err != nil {
		d.config.Logger.Printf("Error reading last sync time: %v", err)
		return
	}
	if last != "" {
		ts, err := time.Parse(time.RFC3339, last)
		if err == nil && time.Since(ts) < d.config.StaleAfter {
			return
		}
	}

	d.config.Logger.Println("Mirror is stale, pulling")
	start := time.Now()
	result, err := d.puller.SyncWorkspaceData(d.ctx, d.workspaceID)
	if err != nil {
		d.config.Logger.Printf("Error pulling workspace data: %v", err)
		return
	}

	counts := make(map[string]int, len(result.Counts))
	for kind, n := range result.Counts {
		counts[string(kind)] = n
	}
	d.broadcast(dashboard.MessageTypePullComplete, dashboard.PullCompleteData{
		WorkspaceID: d.workspaceID,
		Counts:      counts,
		Duration:    time.Since(start),
	})
}
