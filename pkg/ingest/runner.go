package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/suisei-cn/stargazer/pkg/bus"
	"github.com/suisei-cn/stargazer/pkg/cursor"
	"github.com/suisei-cn/stargazer/pkg/kv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("ingest")

// Runner executes polling passes of one source. The source name keys the
// cursor record; Field names the profile field holding each subject's
// external id and the configs pair holding the source's switches.
type Runner struct {
	Name string
	// Field defaults to Name.
	Field string
	// Switch is the configs option of Field that disables the source.
	Switch   string
	Ingester Ingester
	Profiles *kv.Store
	Configs  *kv.Store
	Cursors  *cursor.Store
	Bus      *bus.Bus
	// Parallel bounds concurrent fetches within a pass.
	Parallel int

	logger *slog.Logger
}

func NewRunner(name string, ing Ingester, profiles, configs, state *kv.Store, b *bus.Bus, logger *slog.Logger) *Runner {
	return &Runner{
		Name:     name,
		Field:    name,
		Switch:   "disabled",
		Ingester: ing,
		Profiles: profiles,
		Configs:  configs,
		Cursors:  cursor.New(state, name),
		Bus:      b,
		Parallel: 8,
		logger:   logger.With("module", "ingest", "source", name),
	}
}

type subject struct {
	key        string
	externalID string
}

type result struct {
	cursor int64
	items  []Item
}

// Pass fetches every tracked subject concurrently, commits all advanced
// cursors in one write, then dispatches the new items. A failing subject
// keeps its cursor and contributes nothing.
func (r *Runner) Pass(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Pass")
	defer span.End()
	span.SetAttributes(attribute.String("source", r.Name))

	start := time.Now()
	defer func() {
		passDuration.WithLabelValues(r.Name).Observe(time.Since(start).Seconds())
	}()

	disabled, err := r.Configs.Option(ctx, r.Field, r.Switch)
	if err != nil {
		return fmt.Errorf("failed to read %s options: %w", r.Field, err)
	}
	if disabled {
		r.logger.Debug("source disabled, skipping pass")
		return nil
	}

	since, err := r.Cursors.Load(ctx)
	if err != nil {
		return err
	}

	var subjects []subject
	for p, err := range r.Profiles.HasField(ctx, r.Field) {
		if err != nil {
			return fmt.Errorf("failed to list %s subjects: %w", r.Field, err)
		}
		id, ok := p.String(r.Field)
		if !ok || id == "" {
			continue
		}
		subjects = append(subjects, subject{key: p.Key, externalID: id})
	}
	span.SetAttributes(attribute.Int("subjects", len(subjects)))

	results := make([]result, len(subjects))
	var g errgroup.Group
	g.SetLimit(max(r.Parallel, 1))
	for i, s := range subjects {
		g.Go(func() error {
			results[i] = r.fetch(ctx, s, since[s.key])
			return nil
		})
	}
	_ = g.Wait()

	updates := map[string]int64{}
	for i, s := range subjects {
		if results[i].cursor > since[s.key] {
			updates[s.key] = results[i].cursor
		}
	}
	if err := r.Cursors.Commit(ctx, updates); err != nil {
		return err
	}

	n := 0
	for i, s := range subjects {
		for _, item := range results[i].items {
			r.Bus.Dispatch(ctx, item.Event(s.key))
			n++
		}
	}
	if n > 0 {
		r.logger.Info("pass complete", "subjects", len(subjects), "events", n)
	}
	return nil
}

func (r *Runner) fetch(ctx context.Context, s subject, since int64) result {
	cur, items, err := r.Ingester.Fetch(ctx, s.externalID, since)
	if err != nil {
		switch {
		case errors.Is(err, ErrThrottled):
			fetches.WithLabelValues(r.Name, "throttled").Inc()
		case errors.Is(err, ErrMalformed):
			fetches.WithLabelValues(r.Name, "malformed").Inc()
		default:
			fetches.WithLabelValues(r.Name, "error").Inc()
		}
		r.logger.Error("fetch failed", "subject", s.key, "external_id", s.externalID, "error", err)
		return result{cursor: since}
	}
	fetches.WithLabelValues(r.Name, "ok").Inc()
	itemsFetched.WithLabelValues(r.Name).Add(float64(len(items)))

	if cur < since {
		r.logger.Warn("ingester moved cursor backwards, ignoring", "subject", s.key, "since", since, "cursor", cur)
		cur = since
	}
	if len(items) > MaxItems {
		items = items[:MaxItems]
	}
	return result{cursor: cur, items: items}
}
