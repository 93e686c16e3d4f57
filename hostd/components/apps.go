package components

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/itskum47/hostforge/hostd/config"
	"github.com/itskum47/hostforge/hostd/deps"
	"github.com/itskum47/hostforge/hostd/framework"
	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/scheduler"
	"github.com/itskum47/hostforge/hostd/store"
	"github.com/itskum47/hostforge/hostd/system"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const manifestDebounce = 500 * time.Millisecond

// Apps manages application manifests, installation and dependency verification.
type Apps struct {
	framework.Base
	rt         *framework.Runtime
	cfg        config.AppsConfig
	verifier   *deps.Verifier
	validate   *validator.Validate
	installers map[string]Installable
	logger     *zap.Logger

	mu        sync.RWMutex
	available map[string]inventory.Application

	// Managers replaces the package managers used for system and language
	// dependencies when set before init.
	Managers map[inventory.DependencyKind]deps.PackageManager
}

func NewApps() *Apps {
	a := &Apps{
		installers: make(map[string]Installable),
		available:  make(map[string]inventory.Application),
		validate:   validator.New(),
	}
	a.RegisterInstaller(StaticInstaller{})
	a.RegisterInstaller(SystemdInstaller{})
	return a
}

// RegisterInstaller adds an installer for one application type.
func (a *Apps) RegisterInstaller(i Installable) {
	a.installers[i.Type()] = i
}

func (a *Apps) Name() string { return NameApps }

// Install and remove tasks address the service manager and the security registry.
func (a *Apps) Requires() []string { return []string{NameServices, NameSecurity} }

func (a *Apps) OnInit(ctx context.Context, rt *framework.Runtime) error {
	a.rt = rt
	a.cfg = rt.Settings.Apps
	a.logger = rt.Logger.Named(NameApps)

	managers := a.Managers
	if managers == nil {
		sysPkgs := system.NewPacman(rt.Runner)
		if a.cfg.PackageManager == "apt" {
			sysPkgs = system.NewApt(rt.Runner)
		}
		managers = map[inventory.DependencyKind]deps.PackageManager{
			inventory.KindSystem:   sysPkgs,
			inventory.KindLanguage: system.NewPip(rt.Runner),
		}
	}
	a.verifier = deps.NewVerifier(rt.Logger, managers)
	return nil
}

func (a *Apps) OnStart(ctx context.Context) error {
	if _, err := a.Rescan(); err != nil {
		a.logger.Warn("manifest scan failed", zap.String("dir", a.cfg.ManifestDir), zap.Error(err))
	}
	if a.cfg.Watch {
		if err := a.watch(ctx); err != nil {
			a.logger.Warn("manifest watcher not started", zap.Error(err))
		}
	}
	return nil
}

// Rescan reloads every manifest matching the configured glob. Invalid manifests
// are logged and skipped.
func (a *Apps) Rescan() (int, error) {
	fsys := os.DirFS(a.cfg.ManifestDir)
	matches, err := doublestar.Glob(fsys, a.cfg.ManifestGlob)
	if err != nil {
		return 0, fmt.Errorf("glob manifests: %w", err)
	}
	sort.Strings(matches)

	found := make(map[string]inventory.Application, len(matches))
	for _, m := range matches {
		app, err := a.readManifest(fsys, m)
		if err != nil {
			a.logger.Warn("skipping invalid manifest", zap.String("path", m), zap.Error(err))
			continue
		}
		if prev, dup := found[app.ID]; dup {
			a.logger.Warn("duplicate application id", zap.String("app", app.ID), zap.String("kept", prev.Name), zap.String("path", m))
			continue
		}
		found[app.ID] = app
	}

	a.mu.Lock()
	a.available = found
	a.mu.Unlock()
	a.logger.Info("manifests scanned", zap.Int("apps", len(found)))
	return len(found), nil
}

func (a *Apps) readManifest(fsys fs.FS, name string) (inventory.Application, error) {
	var app inventory.Application
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return app, err
	}
	if err := yaml.Unmarshal(data, &app); err != nil {
		return app, fmt.Errorf("parse: %w", err)
	}
	if err := a.validate.Struct(&app); err != nil {
		return app, err
	}
	if err := checkID("app id", app.ID); err != nil {
		return app, err
	}
	if app.Type == "" {
		app.Type = StaticInstaller{}.Type()
	}
	if _, ok := a.installers[app.Type]; !ok {
		return app, fmt.Errorf("no installer for type %q", app.Type)
	}
	app.Installed, app.Loadable, app.Error = false, false, ""
	return app, nil
}

// watch rescans, debounced, whenever something under the manifest directory changes.
func (a *Apps) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	err = filepath.WalkDir(a.cfg.ManifestDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", a.cfg.ManifestDir, err)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = w.Add(ev.Name)
					}
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(manifestDebounce, func() {
					if _, err := a.Rescan(); err != nil {
						a.logger.Warn("manifest rescan failed", zap.Error(err))
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				a.logger.Warn("manifest watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (a *Apps) availableApps() []inventory.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]inventory.Application, 0, len(a.available))
	for _, app := range a.available {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *Apps) manifest(id string) (inventory.Application, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	app, ok := a.available[id]
	return app, ok
}

// Installed returns the persisted installed applications.
func (a *Apps) Installed(ctx context.Context) ([]inventory.Application, error) {
	var apps []inventory.Application
	if err := store.GetJSONOrEmpty(ctx, a.rt.Store, store.KeyAppsInstalled, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

func (a *Apps) saveInstalled(ctx context.Context, apps []inventory.Application) error {
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
	if apps == nil {
		apps = []inventory.Application{}
	}
	return store.SetJSON(ctx, a.rt.Store, store.KeyAppsInstalled, apps)
}

func (a *Apps) Methods() framework.MethodTable {
	return framework.MethodTable{
		"list": a.list,
		"get":  a.get,
		"scan": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			n, err := a.Rescan()
			if err != nil {
				return nil, err
			}
			return map[string]int{"available": n}, nil
		},
		"install":        a.install,
		"remove":         a.remove,
		"mark_installed": a.markInstalled,
		"mark_removed":   a.markRemoved,
		"verify":         a.verify,
		"updatable":      a.updatable,
	}
}

func (a *Apps) list(ctx context.Context, _ framework.Args) (interface{}, error) {
	installed, err := a.Installed(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]inventory.Application, len(installed))
	for _, app := range installed {
		byID[app.ID] = app
	}
	var out []inventory.Application
	for _, app := range a.availableApps() {
		if inst, ok := byID[app.ID]; ok {
			app = inst
			delete(byID, app.ID)
		}
		out = append(out, app)
	}
	for _, app := range installed {
		if _, ok := byID[app.ID]; ok {
			out = append(out, app)
		}
	}
	return out, nil
}

func (a *Apps) get(ctx context.Context, args framework.Args) (interface{}, error) {
	id, err := args.RequireString("id")
	if err != nil {
		return nil, err
	}
	installed, err := a.Installed(ctx)
	if err != nil {
		return nil, err
	}
	for _, app := range installed {
		if app.ID == id {
			return app, nil
		}
	}
	if app, ok := a.manifest(id); ok {
		return app, nil
	}
	return nil, &deps.UnknownAppError{ID: id}
}

// install downloads and extracts the app and every missing app dependency, then
// queues a task that runs their installers in dependency order and re-verifies.
func (a *Apps) install(ctx context.Context, args framework.Args) (interface{}, error) {
	id, err := args.RequireString("id")
	if err != nil {
		return nil, err
	}
	installed, err := a.Installed(ctx)
	if err != nil {
		return nil, err
	}
	for _, app := range installed {
		if app.ID == id && app.Installed {
			return nil, fmt.Errorf("app %s is already installed", id)
		}
	}

	actions, err := a.verifier.VerifyOperation(id, deps.OpInstall, installed, a.availableApps())
	if err != nil {
		return nil, err
	}
	plan := make([]string, 0, len(actions)+1)
	for _, act := range actions {
		plan = append(plan, act.AppID)
	}
	plan = append(plan, id)

	var steps []scheduler.Step
	for _, appID := range plan {
		app, ok := a.manifest(appID)
		if !ok {
			return nil, &deps.UnknownAppError{ID: appID}
		}
		dir := a.appDir(appID)
		if err := a.prepare(ctx, app, dir); err != nil {
			return nil, fmt.Errorf("prepare %s: %w", appID, err)
		}
		steps = append(steps, a.installers[app.Type].InstallSteps(app, dir)...)
		steps = append(steps, scheduler.Step{Unit: NameApps, Order: "mark_installed", Data: map[string]interface{}{"id": appID}})
	}
	steps = append(steps,
		scheduler.Step{Unit: NameApps, Order: "verify"},
		scheduler.Step{Unit: NameSecurity, Order: "scan"},
	)

	name := id
	if app, ok := a.manifest(id); ok && app.Name != "" {
		name = app.Name
	}
	taskID, err := a.rt.Queue.Submit(ctx, scheduler.Task{
		Steps: steps,
		Message: &messages.Template{
			Start:   fmt.Sprintf("Installing %s", name),
			Success: fmt.Sprintf("%s installed", name),
			Error:   fmt.Sprintf("Installing %s failed: {error}", name),
		},
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("install queued", zap.String("app", id), zap.Strings("plan", plan), zap.String("task_id", taskID))
	return map[string]interface{}{"task_id": taskID, "plan": plan}, nil
}

// prepare fetches and unpacks the app archive into dir. Apps without a download
// get an empty dir.
func (a *Apps) prepare(ctx context.Context, app inventory.Application, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if app.Download == "" {
		return nil
	}
	if a.rt.Fetcher == nil {
		return errors.New("no fetcher configured")
	}
	name := app.ID + ".archive"
	if u, err := url.Parse(app.Download); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			name = base
		}
	}
	archive := filepath.Join(a.cfg.DataDir, ".downloads", name)
	if err := os.MkdirAll(filepath.Dir(archive), 0o755); err != nil {
		return err
	}
	defer os.Remove(archive)

	if _, err := a.rt.Fetcher.Fetch(ctx, app.Download, archive); err != nil {
		return err
	}
	return system.Extract(archive, dir)
}

func (a *Apps) appDir(id string) string {
	return filepath.Join(a.cfg.DataDir, id)
}

// remove queues a task removing the app and every installed app that depends on
// it, farthest dependents first.
func (a *Apps) remove(ctx context.Context, args framework.Args) (interface{}, error) {
	id, err := args.RequireString("id")
	if err != nil {
		return nil, err
	}
	installed, err := a.Installed(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]inventory.Application, len(installed))
	for _, app := range installed {
		byID[app.ID] = app
	}
	if _, ok := byID[id]; !ok {
		return nil, fmt.Errorf("app %s is not installed", id)
	}

	actions, err := a.verifier.VerifyOperation(id, deps.OpRemove, installed, nil)
	if err != nil {
		return nil, err
	}
	plan := make([]string, 0, len(actions)+1)
	for i := len(actions) - 1; i >= 0; i-- {
		plan = append(plan, actions[i].AppID)
	}
	plan = append(plan, id)

	var steps []scheduler.Step
	for _, appID := range plan {
		app := byID[appID]
		installer, ok := a.installers[app.Type]
		if !ok {
			installer = StaticInstaller{}
		}
		steps = append(steps, installer.RemoveSteps(app, a.appDir(appID))...)
		steps = append(steps, scheduler.Step{Unit: NameApps, Order: "mark_removed", Data: map[string]interface{}{"id": appID}})
	}
	steps = append(steps,
		scheduler.Step{Unit: NameApps, Order: "verify"},
		scheduler.Step{Unit: NameSecurity, Order: "scan"},
	)

	taskID, err := a.rt.Queue.Submit(ctx, scheduler.Task{
		Steps: steps,
		Message: &messages.Template{
			Start:   fmt.Sprintf("Removing %s", strings.Join(plan, ", ")),
			Success: fmt.Sprintf("%s removed", id),
			Error:   fmt.Sprintf("Removing %s failed: {error}", id),
		},
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("remove queued", zap.String("app", id), zap.Strings("plan", plan), zap.String("task_id", taskID))
	return map[string]interface{}{"task_id": taskID, "plan": plan}, nil
}

func (a *Apps) markInstalled(ctx context.Context, args framework.Args) (interface{}, error) {
	id, err := args.RequireString("id")
	if err != nil {
		return nil, err
	}
	app, ok := a.manifest(id)
	if !ok {
		return nil, &deps.UnknownAppError{ID: id}
	}
	app.Installed = true
	app.Loadable = true

	installed, err := a.Installed(ctx)
	if err != nil {
		return nil, err
	}
	replaced := false
	for i := range installed {
		if installed[i].ID == id {
			installed[i] = app
			replaced = true
		}
	}
	if !replaced {
		installed = append(installed, app)
	}
	return app, a.saveInstalled(ctx, installed)
}

func (a *Apps) markRemoved(ctx context.Context, args framework.Args) (interface{}, error) {
	id, err := args.RequireString("id")
	if err != nil {
		return nil, err
	}
	installed, err := a.Installed(ctx)
	if err != nil {
		return nil, err
	}
	kept := installed[:0]
	for _, app := range installed {
		if app.ID != id {
			kept = append(kept, app)
		}
	}
	return nil, a.saveInstalled(ctx, kept)
}

// verify re-checks every installed app and persists the result. A failed internal
// dependency is returned as an error after persisting.
func (a *Apps) verify(ctx context.Context, _ framework.Args) (interface{}, error) {
	installed, err := a.Installed(ctx)
	if err != nil {
		return nil, err
	}
	verified, verr := a.verifier.VerifyAll(ctx, installed)
	if err := a.saveInstalled(ctx, verified); err != nil {
		return nil, err
	}
	if verr != nil {
		if errors.Is(verr, deps.ErrRestartRequired) {
			a.rt.Messages.Notify(ctx, "restart", messages.Warning, verr.Error())
		}
		return nil, verr
	}
	unloadable := []string{}
	for _, app := range verified {
		if app.Installed && !app.Loadable {
			unloadable = append(unloadable, app.ID)
		}
	}
	return map[string]interface{}{"verified": len(verified), "unloadable": unloadable}, nil
}

// Upgrade is an installed app whose manifest carries another version.
type Upgrade struct {
	ID        string `json:"id"`
	Installed string `json:"installed"`
	Available string `json:"available"`
}

func (a *Apps) updatable(ctx context.Context, _ framework.Args) (interface{}, error) {
	installed, err := a.Installed(ctx)
	if err != nil {
		return nil, err
	}
	upgrades := []Upgrade{}
	for i := range installed {
		installed[i].Upgradable = ""
		m, ok := a.manifest(installed[i].ID)
		if !ok || m.Version == "" || m.Version == installed[i].Version {
			continue
		}
		installed[i].Upgradable = m.Version
		upgrades = append(upgrades, Upgrade{ID: m.ID, Installed: installed[i].Version, Available: m.Version})
	}
	if err := a.saveInstalled(ctx, installed); err != nil {
		return nil, err
	}
	if err := store.SetJSON(ctx, a.rt.Store, store.KeyAppsUpdateable, upgrades); err != nil {
		return nil, err
	}
	return upgrades, nil
}
