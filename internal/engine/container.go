package engine

import (
	"context"
	"log/slog"

	"github.com/seantiz/txexec/internal/model"
	"github.com/seantiz/txexec/internal/persistence"
	"github.com/seantiz/txexec/internal/store"
)

// Config configures a Container.
type Config struct {
	// Workers bounds the number of tasks running at once.
	Workers int
	// Delivery selects the messenger: DeliveryLoop or DeliveryDirect.
	Delivery string
	// Journal, when set, records every task.
	Journal store.Store
	// JournalRetry retries journal writes on a busy database.
	JournalRetry persistence.Repeater
	Logger       *slog.Logger
}

// Container is the entry point for running persistence work in the
// background: it prepares tasks, dispatches them and owns the delivery
// context their outcomes are reported on.
type Container struct {
	runner    *Runner
	messenger Messenger
	broker    *EventBroker
	journal   *Journal
	delivery  string
	logger    *slog.Logger
}

// NewContainer creates a container running work with managers from factory.
func NewContainer(factory ManagerFactory, cfg Config) *Container {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	delivery := cfg.Delivery
	if delivery != DeliveryLoop {
		delivery = DeliveryDirect
	}
	broker := NewEventBroker()
	messenger := NewMessenger(delivery, logger)

	// The journal is told first so a finished event is never ahead of Lookup.
	opts := []RunnerOption{WithWorkers(cfg.Workers), WithRunnerLogger(logger)}
	var journal *Journal
	if cfg.Journal != nil {
		var jopts []JournalOption
		if cfg.JournalRetry != nil {
			jopts = append(jopts, WithJournalRepeater(cfg.JournalRetry))
		}
		journal = NewJournal(cfg.Journal, logger, jopts...)
		opts = append(opts, WithObserver(journal))
	}
	opts = append(opts, WithObserver(broker))

	return &Container{
		runner:    NewRunner(factory, messenger, opts...),
		messenger: messenger,
		broker:    broker,
		journal:   journal,
		delivery:  delivery,
		logger:    logger,
	}
}

// Broker returns the container's event broker for subscriptions.
func (c *Container) Broker() *EventBroker {
	return c.broker
}

// Delivery returns the delivery mode in use.
func (c *Container) Delivery() string {
	return c.delivery
}

// InFlight returns the number of tasks currently running their work.
func (c *Container) InFlight() int64 {
	return c.runner.InFlight()
}

// JournalPending returns the number of tasks whose final state is not yet
// journaled.
func (c *Container) JournalPending() int {
	if c.journal == nil {
		return 0
	}
	return c.journal.Pending()
}

// Lookup returns the in-memory record of a task whose journal writes are
// still pending.
func (c *Container) Lookup(id string) (*model.TaskRecord, bool) {
	if c.journal == nil {
		return nil, false
	}
	return c.journal.Lookup(id)
}

// Flush waits until the journal holds the final state of every task
// executed so far.
func (c *Container) Flush(ctx context.Context) error {
	if c.journal == nil {
		return nil
	}
	return c.journal.Flush(ctx)
}

// Prepare creates a task for work without starting it.
func (c *Container) Prepare(name string, work Work, opts ...TaskOption) (*Task, error) {
	return NewTask(name, work, opts...)
}

// Start dispatches a prepared task.
func (c *Container) Start(t *Task) (*Executable, error) {
	if err := c.runner.Execute(t); err != nil {
		return nil, err
	}
	return t.Executable(), nil
}

// Execute prepares and starts work in one step. It never blocks on the work.
func (c *Container) Execute(name string, work Work, opts ...TaskOption) (*Executable, error) {
	t, err := c.Prepare(name, work, opts...)
	if err != nil {
		return nil, err
	}
	return c.Start(t)
}

// Close stops accepting work, waits for running tasks bounded by ctx, drains
// the messenger and then the journal.
func (c *Container) Close(ctx context.Context) error {
	err := c.runner.Shutdown(ctx)
	if err != nil {
		c.logger.Warn("tasks still running at shutdown", "error", err)
		return err
	}
	c.messenger.Close()
	if c.journal != nil {
		if err := c.journal.Close(ctx); err != nil {
			c.logger.Warn("journal writes still pending at shutdown", "error", err)
			return err
		}
	}
	return nil
}
