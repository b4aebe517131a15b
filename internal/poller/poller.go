// Package poller periodically reconciles active tickets against polled
// backend snapshots. It backs up the webhook path when callbacks are
// delayed or lost, and owns the reminder nudges for tickets stuck
// waiting on the user.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/helptp-io/relay/internal/config"
	"github.com/helptp-io/relay/internal/connector"
	"github.com/helptp-io/relay/internal/reconcile"
	"github.com/helptp-io/relay/internal/ticket"
	"github.com/helptp-io/relay/pkg/protocol"
)

const (
	// reminderAfter is how long a ticket may sit in a needs-input status
	// before the user is nudged.
	reminderAfter = 2 * time.Hour
	// reminderEvery caps nudge frequency per ticket.
	reminderEvery = 24 * time.Hour

	reminderTextFmt = "Напоминание: заявка №%s ожидает вашего ответа. Добавьте комментарий, иначе мы её закроем."
)

// Snapshotter fetches current ticket state from the backend.
type Snapshotter interface {
	Snapshot(ctx context.Context, ticketID string) (map[string]any, error)
}

// Reconciler is the engine surface the poller drives.
type Reconciler interface {
	Reconcile(ctx context.Context, ticketID string, body map[string]any) (*reconcile.Outcome, error)
}

// Poller runs scheduled reconciliation passes over all active tickets.
type Poller struct {
	store     ticket.Store
	desk      Snapshotter
	engine    Reconciler
	transport connector.Transport
	taxonomy  *config.Taxonomy
	schedule  string
	logger    *slog.Logger
	now       func() time.Time

	cron *cron.Cron
	// runMu keeps passes from overlapping when a pass outlasts the
	// schedule interval.
	runMu sync.Mutex
}

// New creates a poller. Schedule accepts standard cron expressions or
// predefined ones like "@every 5m".
func New(store ticket.Store, desk Snapshotter, engine Reconciler, transport connector.Transport, tax *config.Taxonomy, schedule string, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:     store,
		desk:      desk,
		engine:    engine,
		transport: transport,
		taxonomy:  tax,
		schedule:  schedule,
		logger:    logger,
		now:       time.Now,
		cron:      cron.New(),
	}
}

// Start registers the schedule and blocks until the context is
// cancelled.
func (p *Poller) Start(ctx context.Context) error {
	_, err := p.cron.AddFunc(p.schedule, func() { p.RunPass(ctx) })
	if err != nil {
		return fmt.Errorf("poller: invalid schedule %q: %w", p.schedule, err)
	}

	p.cron.Start()
	p.logger.Info("poller started", "schedule", p.schedule)

	<-ctx.Done()
	p.cron.Stop()
	p.logger.Info("poller stopped")
	return ctx.Err()
}

// RunPass polls every active ticket once. Failures on one ticket never
// stop the pass.
func (p *Poller) RunPass(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	tickets, err := p.store.ListExcluding(p.taxonomy.FinalStatuses())
	if err != nil {
		p.logger.Error("poll pass aborted", "error", err)
		return
	}

	for _, t := range tickets {
		if ctx.Err() != nil {
			return
		}
		if err := p.pollTicket(ctx, t); err != nil {
			p.logger.Error("poll ticket failed", "ticket", t.ID, "error", err)
		}
	}
}

func (p *Poller) pollTicket(ctx context.Context, t *protocol.Ticket) error {
	snap, err := p.desk.Snapshot(ctx, t.ID)
	if err != nil {
		return err
	}
	if snap == nil {
		p.logger.Warn("ticket missing from backend", "ticket", t.ID, "number", t.TaskNumber)
		return nil
	}

	// The backend's change stamp is opaque; equality means nothing new.
	stamp := snapshotStamp(snap)
	if stamp == "" || stamp != t.LastUpdated {
		if _, err := p.engine.Reconcile(ctx, t.ID, snap); err != nil {
			return err
		}
		if stamp != "" {
			if err := p.store.SetLastUpdated(t.ID, stamp); err != nil {
				return err
			}
		}
	}

	return p.maybeRemind(ctx, t.ID)
}

// maybeRemind nudges the user when a ticket has sat in a needs-input
// status for reminderAfter, at most once per reminderEvery.
func (p *Poller) maybeRemind(ctx context.Context, id string) error {
	// Reload: the reconcile pass above may have moved the ticket.
	t, err := p.store.Get(id)
	if err != nil {
		return err
	}
	if p.taxonomy.RoleOf(t.Status) != config.RoleNotify {
		return nil
	}

	now := p.now()
	if t.StatusChangedAt.IsZero() || now.Sub(t.StatusChangedAt) < reminderAfter {
		return nil
	}
	if t.LastNotifiedReminder != nil && now.Sub(*t.LastNotifiedReminder) < reminderEvery {
		return nil
	}

	text := fmt.Sprintf(reminderTextFmt, t.TaskNumber)
	if _, err := p.transport.Deliver(ctx, t.Binding, text); err != nil {
		return fmt.Errorf("deliver reminder: %w", err)
	}
	if err := p.store.SetReminder(id, now); err != nil {
		return err
	}
	p.logger.Info("reminder sent", "ticket", id, "number", t.TaskNumber)
	return nil
}

// snapshotStamp extracts the backend's last-change marker.
func snapshotStamp(snap map[string]any) string {
	for _, k := range []string{"updatedat", "UpdatedAt", "updatedAt"} {
		if s, ok := snap[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
