package control

import (
	"context"
	"time"

	"github.com/advancedcontrol/engine/internal/manager"
	"github.com/advancedcontrol/engine/internal/snapshot"
)

// Stats samples every reactor and module. A module whose reactor does not
// answer within the stats timeout is reported with an error instead.
func (c *Control) Stats(ctx context.Context) snapshot.Data {
	data := snapshot.Data{
		SchemaVer: snapshot.SchemaVersion,
		Instance:  c.instance,
		TakenAt:   time.Now().UTC(),
		Ready:     c.IsReady(),
	}
	pool := c.pool()
	if pool == nil {
		return data
	}
	data.Uptime = time.Since(c.started).Round(time.Second).String()

	perReactor := make(map[string]int)
	for _, m := range c.managers() {
		name := m.Reactor().Name()
		perReactor[name]++
		sctx, cancel := context.WithTimeout(ctx, c.cfg.StatsTimeout)
		st, err := m.Stats(sctx)
		cancel()
		entry := snapshot.Module{
			ID:      string(m.ID()),
			Role:    string(m.Settings().Role),
			State:   m.State().String(),
			Reactor: name,
		}
		if err != nil {
			entry.Connected = m.IsConnected()
			entry.Error = err.Error()
		} else {
			entry.State = st.State
			entry.Connected = st.Connected
			entry.Queued = st.Queued
			entry.Waiting = st.Waiting
		}
		data.Modules = append(data.Modules, entry)
	}

	for _, r := range pool.All() {
		data.Reactors = append(data.Reactors, snapshot.Reactor{
			Name:      r.Name(),
			Pending:   r.Pending(),
			Processed: r.Processed(),
			Modules:   perReactor[r.Name()],
			Watchdog:  c.watchdog.Level(r).String(),
		})
	}

	completed, failed := c.workers.Stats()
	data.Workers = snapshot.WorkerPool{
		Workers:   c.workers.GetWorkerCount(),
		Completed: completed,
		Failed:    failed,
	}
	return data
}

// record publishes a sample to the metrics collector and the snapshot file.
func (c *Control) record(data snapshot.Data) {
	states := map[string]int{
		manager.Unstarted.String(): 0,
		manager.Started.String():   0,
		manager.Stopped.String():   0,
	}
	connected := 0
	for _, m := range data.Modules {
		states[m.State]++
		if m.Connected {
			connected++
		}
	}
	c.metrics.SetModules(states, connected)
	for _, r := range data.Reactors {
		c.metrics.SetReactorPending(r.Name, r.Pending)
	}
	if c.snapshot == nil {
		return
	}
	if err := c.snapshot.Write(data); err != nil {
		c.HandleError(err, "op", "snapshot")
	}
}

func (c *Control) startStats() {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()
	if c.statsCancel != nil || c.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.statsCancel = cancel
	c.statsDone = make(chan struct{})
	go c.statsLoop(ctx, c.statsDone)
}

func (c *Control) stopStats() {
	c.mountMu.Lock()
	cancel, done := c.statsCancel, c.statsDone
	c.mountMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Control) statsLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	c.record(c.Stats(ctx))
	ticker := time.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("control.stats.stopped")
			return
		case <-ticker.C:
			c.record(c.Stats(ctx))
		}
	}
}
