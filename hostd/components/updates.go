package components

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/hostforge/hostd/config"
	"github.com/itskum47/hostforge/hostd/framework"
	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/scheduler"
	"github.com/itskum47/hostforge/hostd/store"
	"go.uber.org/zap"
)

// Live configuration keys owned by the updates component.
const (
	updatesSection      = "updates"
	updatesCurrentKey   = "current"
	updatesScheduledKey = "check_scheduled"
)

// FeedGetter downloads the update feed.
type FeedGetter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Updates tracks the system update feed. The feed is an ordered JSON list of
// updates; everything after the update recorded in updates.current is pending.
type Updates struct {
	framework.Base
	rt     *framework.Runtime
	cfg    config.UpdatesConfig
	logger *zap.Logger
	now    func() time.Time

	// Feed replaces the feed client when set before init.
	Feed FeedGetter
}

func NewUpdates() *Updates {
	return &Updates{now: time.Now}
}

func (u *Updates) Name() string { return NameUpdates }

func (u *Updates) OnInit(ctx context.Context, rt *framework.Runtime) error {
	u.rt = rt
	u.cfg = rt.Settings.Updates
	u.logger = rt.Logger.Named(NameUpdates)
	if u.Feed == nil {
		if g, ok := rt.Fetcher.(FeedGetter); ok {
			u.Feed = g
		}
	}
	return rt.Config.Load(ctx, updatesSection)
}

// OnStart schedules the recurring check once per configured interval. The
// marker in live config keeps restarts from adding another recurrence.
func (u *Updates) OnStart(ctx context.Context) error {
	if u.cfg.URL == "" || u.cfg.CheckInterval <= 0 {
		return nil
	}
	interval := u.cfg.CheckInterval.String()
	if u.rt.Config.String(updatesSection, updatesScheduledKey, "") == interval {
		return nil
	}
	id, err := u.rt.Queue.Schedule(ctx, scheduler.Task{
		Steps: []scheduler.Step{{Unit: NameUpdates, Order: "check"}},
	}, u.now(), u.cfg.CheckInterval)
	if err != nil {
		return fmt.Errorf("schedule update check: %w", err)
	}
	u.logger.Info("update check scheduled", zap.String("task_id", id), zap.Duration("interval", u.cfg.CheckInterval))
	return u.rt.Config.Set(ctx, updatesSection, updatesScheduledKey, interval)
}

func (u *Updates) Methods() framework.MethodTable {
	return framework.MethodTable{
		"check": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			return u.Check(ctx)
		},
		"list": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			return u.Pending(ctx)
		},
		"install": u.install,
	}
}

// Check downloads the feed, stores it and returns the pending updates.
func (u *Updates) Check(ctx context.Context) ([]inventory.Update, error) {
	if u.cfg.URL == "" {
		return nil, errors.New("no update feed configured")
	}
	if u.Feed == nil {
		return nil, errors.New("no feed client")
	}
	data, err := u.Feed.Get(ctx, u.cfg.URL)
	if err != nil {
		return nil, err
	}
	var feed []inventory.Update
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("decode update feed: %w", err)
	}
	if err := store.SetJSON(ctx, u.rt.Store, store.KeyUpdates, feed); err != nil {
		return nil, err
	}
	pending := u.pendingFrom(feed)
	if len(pending) > 0 {
		u.rt.Messages.Notify(ctx, "updates", messages.Info, fmt.Sprintf("%d updates available", len(pending)))
	}
	u.logger.Info("update feed checked", zap.Int("feed", len(feed)), zap.Int("pending", len(pending)))
	return pending, nil
}

// Pending returns the stored feed entries after the current marker.
func (u *Updates) Pending(ctx context.Context) ([]inventory.Update, error) {
	var feed []inventory.Update
	if err := store.GetJSONOrEmpty(ctx, u.rt.Store, store.KeyUpdates, &feed); err != nil {
		return nil, err
	}
	return u.pendingFrom(feed), nil
}

func (u *Updates) pendingFrom(feed []inventory.Update) []inventory.Update {
	current := u.rt.Config.String(updatesSection, updatesCurrentKey, "")
	if current == "" {
		return feed
	}
	for i, up := range feed {
		if up.ID == current {
			return feed[i+1:]
		}
	}
	u.logger.Warn("current update not in feed, treating all as pending", zap.String("current", current))
	return feed
}

// install queues one group task with a sub-task per pending update. Each
// sub-task advances updates.current when it succeeds, so a failure leaves the
// marker on the last applied update.
func (u *Updates) install(ctx context.Context, _ framework.Args) (interface{}, error) {
	pending, err := u.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return map[string]interface{}{"pending": 0}, nil
	}

	group := make([]scheduler.Task, 0, len(pending))
	for _, up := range pending {
		if len(up.Tasks) == 0 {
			return nil, fmt.Errorf("update %s has no tasks", up.ID)
		}
		steps := make([]scheduler.Step, len(up.Tasks))
		for i, cmd := range up.Tasks {
			steps[i] = scheduler.Step{Unit: scheduler.UnitShell, Order: cmd}
		}
		name := up.Name
		if name == "" {
			name = up.ID
		}
		group = append(group, scheduler.Task{
			Steps: steps,
			Message: &messages.Template{
				Start:   fmt.Sprintf("Installing update %s", name),
				Success: fmt.Sprintf("Update %s installed", name),
				Error:   fmt.Sprintf("Update %s failed: {error}", name),
			},
			OnSuccess: &scheduler.ConfigMarker{Section: updatesSection, Key: updatesCurrentKey, Value: up.ID},
		})
	}

	taskID, err := u.rt.Queue.Submit(ctx, scheduler.Task{Group: group})
	if err != nil {
		return nil, err
	}
	u.logger.Info("update install queued", zap.String("task_id", taskID), zap.Int("updates", len(group)))
	return map[string]interface{}{"task_id": taskID, "pending": len(group)}, nil
}
