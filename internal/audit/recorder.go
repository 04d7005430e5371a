package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/armctl/internal/bus"
	"github.com/fentz26/armctl/internal/models"
	"github.com/fentz26/armctl/internal/store"
)

// recorderBuffer is large so bursts of transitions are not dropped.
const recorderBuffer = 1024

// Recorder copies every bus event into the journal. Terminal command events
// also become command runs.
type Recorder struct {
	store *store.Store
	bus   *bus.Bus
	log   *slog.Logger

	started map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *bus.Subscription
}

// NewRecorder creates a recorder. Call Start to begin journaling.
func NewRecorder(s *store.Store, b *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		store:   s,
		bus:     b,
		log:     logger.With("component", "audit"),
		started: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the whole bus.
func (r *Recorder) Start() {
	r.sub = r.bus.SubscribeBuffered(recorderBuffer)
	r.wg.Add(1)
	go r.loop()
}

// Stop drains pending events and stops the recorder.
func (r *Recorder) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	defer r.sub.Close()

	for {
		select {
		case <-r.ctx.Done():
			for {
				select {
				case ev := <-r.sub.C():
					r.record(ev)
				default:
					return
				}
			}
		case ev := <-r.sub.C():
			r.record(ev)
		}
	}
}

func (r *Recorder) record(ev models.Event) {
	if err := r.store.AppendEvent(ev); err != nil {
		r.log.Warn("failed to journal event", "path", bus.Path(ev.Path), "error", err)
	}

	id, _ := ev.Data["execution_id"].(string)
	if id == "" {
		return
	}
	switch ev.Kind {
	case models.EventCommandStarted:
		r.started[id] = ev.Timestamp
	case models.EventCommandSucceeded, models.EventCommandFailed, models.EventCommandCancelled:
		run := runFromEvent(ev, id)
		if t, ok := r.started[id]; ok {
			run.StartedAt = t
			delete(r.started, id)
		}
		if err := r.store.RecordRun(run); err != nil {
			r.log.Warn("failed to journal command run", "execution_id", id, "error", err)
		}
	}
}

func runFromEvent(ev models.Event, id string) models.CommandRun {
	run := models.CommandRun{
		ExecutionID: id,
		Robot:       ev.Robot,
		StartedAt:   ev.Timestamp,
		EndedAt:     ev.Timestamp,
	}
	run.Command, _ = ev.Data["command"].(string)
	status, _ := ev.Data["status"].(string)
	run.Status = models.RunStatus(status)
	run.Kind, _ = ev.Data["kind"].(string)
	run.Error, _ = ev.Data["error"].(string)
	if v, ok := ev.Data["result"]; ok {
		if data, err := json.Marshal(v); err == nil {
			run.Result = string(data)
		} else {
			run.Result = fmt.Sprint(v)
		}
	}
	return run
}
