package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/txexec/internal/model"
	"github.com/seantiz/txexec/internal/persistence"
	"github.com/seantiz/txexec/internal/store"
)

// journalTimeout bounds one journal write including its busy retries.
const journalTimeout = time.Minute

type journalOp int

const (
	opSubmitted journalOp = iota
	opRunning
	opFinished
)

type journalEntry struct {
	op     journalOp
	rec    model.TaskRecord
	status model.WorkStatus
	errMsg string
	at     time.Time
}

// Journal records every task in the store. Observer calls only queue the
// write; a single goroutine applies them in order, retrying while the
// database is busy. Store errors are logged and do not change the task
// outcome.
//
// Until a task's final state is written the journal keeps its latest record
// in memory, so Lookup sees tasks the store does not have yet.
type Journal struct {
	store  store.Store
	retry  persistence.Repeater
	logger *slog.Logger

	mu     sync.Mutex
	queue  []journalEntry
	live   map[string]*model.TaskRecord
	idle   chan struct{}
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

var _ Observer = (*Journal)(nil)

// JournalOption customises a Journal.
type JournalOption func(*Journal)

// WithJournalRepeater sets the repeater retrying writes on a busy database.
func WithJournalRepeater(r persistence.Repeater) JournalOption {
	return func(j *Journal) { j.retry = r }
}

// NewJournal creates a journal writing to s and starts its writer goroutine.
func NewJournal(s store.Store, logger *slog.Logger, opts ...JournalOption) *Journal {
	idle := make(chan struct{})
	close(idle)
	j := &Journal{
		store:  s,
		retry:  persistence.NewRepeater(persistence.DefaultRetry),
		logger: logger,
		live:   make(map[string]*model.TaskRecord),
		idle:   idle,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	go j.loop()
	return j
}

func (j *Journal) TaskSubmitted(t *Task) {
	j.enqueue(journalEntry{op: opSubmitted, rec: model.TaskRecord{
		ID:        t.id,
		Name:      t.name,
		Status:    model.StatusPending,
		UserTx:    t.userTx,
		CreatedAt: t.createdAt,
	}})
}

func (j *Journal) TaskRunning(t *Task, at time.Time) {
	j.enqueue(journalEntry{op: opRunning, rec: model.TaskRecord{ID: t.id}, at: at})
}

func (j *Journal) TaskFinished(t *Task, status model.WorkStatus, err error, at time.Time) {
	e := journalEntry{op: opFinished, rec: model.TaskRecord{ID: t.id}, status: status, at: at}
	if err != nil {
		e.errMsg = err.Error()
	}
	j.enqueue(e)
}

func (j *Journal) TaskProgress(*Task, any) {}

// Lookup returns the latest state of a task whose writes are still pending.
func (j *Journal) Lookup(id string) (*model.TaskRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.live[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Pending returns the number of tasks whose final state is not written yet.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.live)
}

// Flush waits until every task seen so far has its final state written, or
// until ctx expires.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	idle := j.idle
	j.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes what is queued and stops the writer. Later entries are
// written on the calling goroutine.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()

	select {
	case j.wake <- struct{}{}:
	default:
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) enqueue(e journalEntry) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		j.write(e)
		return
	}
	j.track(e)
	j.queue = append(j.queue, e)
	j.mu.Unlock()

	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// track applies e to the in-memory record. Callers hold j.mu.
func (j *Journal) track(e journalEntry) {
	if e.op == opSubmitted {
		if len(j.live) == 0 {
			j.idle = make(chan struct{})
		}
		r := e.rec
		j.live[r.ID] = &r
		return
	}

	r, ok := j.live[e.rec.ID]
	if !ok {
		return
	}
	at := e.at
	switch e.op {
	case opRunning:
		r.Status = model.StatusRunning
		r.StartedAt = &at
	case opFinished:
		r.Status = e.status
		r.Error = e.errMsg
		r.FinishedAt = &at
		var d int64
		if r.StartedAt != nil {
			d = at.Sub(*r.StartedAt).Milliseconds()
		}
		r.DurationMS = &d
	}
}

// settle forgets a task once its final state is written.
func (j *Journal) settle(e journalEntry) {
	if e.op != opFinished {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.live[e.rec.ID]; !ok {
		return
	}
	delete(j.live, e.rec.ID)
	if len(j.live) == 0 {
		close(j.idle)
	}
}

func (j *Journal) loop() {
	defer close(j.done)
	for {
		j.mu.Lock()
		batch := j.queue
		j.queue = nil
		closed := j.closed
		j.mu.Unlock()

		for _, e := range batch {
			j.write(e)
			j.settle(e)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-j.wake
	}
}

// write applies one entry to the store, retrying while SQLite reports the
// database as busy.
func (j *Journal) write(e journalEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	var werr error
	err := j.retry.Do(ctx, func() error {
		werr = j.apply(ctx, e)
		if werr != nil && persistence.IsBusy(werr) {
			j.logger.Debug("journal busy, retrying", "task_id", e.rec.ID, "error", werr)
			return werr
		}
		return nil
	})
	if err == nil {
		err = werr
	}
	if err != nil {
		j.logger.Error("failed to journal task", "task_id", e.rec.ID, "op", e.op.String(), "error", err)
	}
}

func (j *Journal) apply(ctx context.Context, e journalEntry) error {
	switch e.op {
	case opSubmitted:
		r := e.rec
		return j.store.CreateTask(ctx, &r)
	case opRunning:
		return j.store.MarkRunning(ctx, e.rec.ID, e.at)
	default:
		return j.store.FinishTask(ctx, e.rec.ID, e.status, e.errMsg, e.at)
	}
}

func (o journalOp) String() string {
	switch o {
	case opSubmitted:
		return "submitted"
	case opRunning:
		return "running"
	default:
		return "finished"
	}
}
