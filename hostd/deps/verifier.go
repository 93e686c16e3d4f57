// Package deps computes application loadability and install/remove plans from the
// dependency graph.
package deps

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/observability"
	"go.uber.org/zap"
)

// PackageManager installs system or language packages.
type PackageManager interface {
	IsInstalled(ctx context.Context, pkg string) (bool, error)
	Install(ctx context.Context, pkgs ...string) error
	Remove(ctx context.Context, purge bool, pkgs ...string) error
}

// Operation is what VerifyOperation plans for.
type Operation string

const (
	OpInstall Operation = "install"
	OpRemove  Operation = "remove"
)

// Action is one extra install or remove required by an operation.
type Action struct {
	Op    Operation `json:"op"`
	AppID string    `json:"app"`
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s", a.Op, a.AppID)
}

// Verifier checks dependencies of installed applications.
type Verifier struct {
	managers map[inventory.DependencyKind]PackageManager
	logger   *zap.Logger
}

// NewVerifier creates a verifier. managers maps system and language kinds to the
// package manager that can install them; a kind without a manager can never be
// satisfied.
func NewVerifier(logger *zap.Logger, managers map[inventory.DependencyKind]PackageManager) *Verifier {
	if managers == nil {
		managers = map[inventory.DependencyKind]PackageManager{}
	}
	return &Verifier{managers: managers, logger: logger.Named("deps")}
}

type pkgResult struct {
	installed bool
	err       string
}

// VerifyAll returns apps with Loadable and Error populated for every installed app.
// Entries with Installed=false are returned unchanged and count as absent.
//
// The returned slice is always complete. The error is non-nil only when an
// internal dependency failed (wrapping ErrRestartRequired) or ctx was cancelled.
func (v *Verifier) VerifyAll(ctx context.Context, apps []inventory.Application) ([]inventory.Application, error) {
	out := make([]inventory.Application, len(apps))
	index := make(map[string]int, len(apps))
	for i := range apps {
		out[i] = apps[i]
		out[i].Dependencies = append([]inventory.Dependency(nil), apps[i].Dependencies...)
		if out[i].Installed {
			out[i].Loadable = true
			out[i].Error = ""
			index[out[i].ID] = i
		}
	}

	// Package dependencies, each package checked once per pass.
	checked := make(map[string]pkgResult)
	var restart []string
	for i := range out {
		if !out[i].Installed {
			continue
		}
		for j := range out[i].Dependencies {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			d := &out[i].Dependencies[j]
			if d.Kind == inventory.KindApp {
				continue
			}
			res, ok := checked[d.String()]
			if !ok {
				res = v.ensurePackage(ctx, *d)
				checked[d.String()] = res
			}
			d.Verify = &inventory.Verify{Checked: true, Installed: res.installed, Error: res.err}
			if res.installed {
				continue
			}
			if d.Internal {
				restart = append(restart, d.String())
				continue
			}
			if out[i].Loadable {
				out[i].Loadable = false
				out[i].Error = fmt.Sprintf("dependency %s could not be installed: %s", d, res.err)
			}
		}
	}

	// App dependencies that are absent mark the dependent directly.
	for i := range out {
		if !out[i].Installed || !out[i].Loadable {
			continue
		}
		for _, dep := range out[i].AppDependencies() {
			if _, ok := index[dep]; !ok {
				out[i].Loadable = false
				out[i].Error = fmt.Sprintf("required app %s is not installed", dep)
				break
			}
		}
	}

	// Cascade every root failure to its transitive dependents.
	dependents := reverseEdges(out, index)
	visited := make(map[string]bool)
	for i := range out {
		if out[i].Installed && !out[i].Loadable {
			visited[out[i].ID] = true
		}
	}
	for i := range out {
		if out[i].Installed && !out[i].Loadable {
			v.cascade(out, index, dependents, out[i].ID, visited)
		}
	}

	unloadable := 0
	for i := range out {
		if out[i].Installed && !out[i].Loadable {
			unloadable++
			v.logger.Warn("application not loadable", zap.String("app", out[i].ID), zap.String("reason", out[i].Error))
		}
	}
	observability.AppsUnloadable.Set(float64(unloadable))

	if len(restart) > 0 {
		sort.Strings(restart)
		restart = dedupe(restart)
		v.logger.Error("internal dependencies unsatisfied", zap.Strings("dependencies", restart))
		return out, fmt.Errorf("%w: %s", ErrRestartRequired, strings.Join(restart, ", "))
	}
	return out, nil
}

// cascade marks every not yet visited dependent of root unloadable, carrying the
// root cause in the error text.
func (v *Verifier) cascade(apps []inventory.Application, index map[string]int, dependents map[string][]string, root string, visited map[string]bool) {
	stack := []string{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		parent := apps[index[id]]
		for _, dep := range dependents[id] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			a := &apps[index[dep]]
			a.Loadable = false
			a.Error = fmt.Sprintf("required app %s is not loadable: %s", parent.ID, parent.Error)
			stack = append(stack, dep)
		}
	}
}

func (v *Verifier) ensurePackage(ctx context.Context, d inventory.Dependency) pkgResult {
	pm, ok := v.managers[d.Kind]
	if !ok {
		return pkgResult{err: fmt.Sprintf("no package manager for %s dependencies", d.Kind)}
	}
	installed, err := pm.IsInstalled(ctx, d.Package)
	if err == nil && installed {
		return pkgResult{installed: true}
	}
	v.logger.Info("installing missing dependency", zap.String("dependency", d.String()))
	if err := pm.Install(ctx, d.Package); err != nil {
		v.logger.Warn("dependency install failed", zap.String("dependency", d.String()), zap.Error(err))
		return pkgResult{err: err.Error()}
	}
	return pkgResult{installed: true}
}

// VerifyOperation returns the extra actions needed before id can be installed or
// after it is removed.
//
// For remove it returns the complete transitive set of installed apps depending on
// id, nearest dependents first. For install it returns the not yet installed app
// dependencies, each listed after its own dependencies and before its first user.
// It does not touch package managers.
func (v *Verifier) VerifyOperation(id string, op Operation, installed, available []inventory.Application) ([]Action, error) {
	switch op {
	case OpRemove:
		return removeClosure(id, installed), nil
	case OpInstall:
		return installPlan(id, installed, available)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

func removeClosure(id string, installed []inventory.Application) []Action {
	index := make(map[string]int, len(installed))
	for i := range installed {
		index[installed[i].ID] = i
	}
	dependents := reverseEdges(installed, index)

	visited := map[string]bool{id: true}
	queue := []string{id}
	var actions []Action
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[cur] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			actions = append(actions, Action{Op: OpRemove, AppID: dep})
			queue = append(queue, dep)
		}
	}
	return actions
}

func installPlan(id string, installed, available []inventory.Application) ([]Action, error) {
	have := make(map[string]bool, len(installed))
	for _, a := range installed {
		if a.Installed {
			have[a.ID] = true
		}
	}
	known := make(map[string]*inventory.Application, len(available)+len(installed))
	for i := range installed {
		known[installed[i].ID] = &installed[i]
	}
	for i := range available {
		known[available[i].ID] = &available[i]
	}

	root, ok := known[id]
	if !ok {
		return nil, &UnknownAppError{ID: id}
	}

	var actions []Action
	done := map[string]bool{}
	onPath := map[string]bool{}
	var path []string

	var visit func(app *inventory.Application) error
	visit = func(app *inventory.Application) error {
		onPath[app.ID] = true
		path = append(path, app.ID)
		for _, depID := range app.AppDependencies() {
			if have[depID] || done[depID] {
				continue
			}
			if onPath[depID] {
				cycle := append(append([]string(nil), path...), depID)
				return &CycleError{Path: cycle}
			}
			dep, ok := known[depID]
			if !ok {
				return &UnknownAppError{ID: depID, RequiredBy: app.ID}
			}
			if err := visit(dep); err != nil {
				return err
			}
			done[depID] = true
			actions = append(actions, Action{Op: OpInstall, AppID: depID})
		}
		path = path[:len(path)-1]
		onPath[app.ID] = false
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return actions, nil
}

// reverseEdges maps an app id to the ids of apps in index that declare it as an app
// dependency, in slice order.
func reverseEdges(apps []inventory.Application, index map[string]int) map[string][]string {
	out := make(map[string][]string)
	for i := range apps {
		if _, ok := index[apps[i].ID]; !ok {
			continue
		}
		seen := map[string]bool{}
		for _, dep := range apps[i].AppDependencies() {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out[dep] = append(out[dep], apps[i].ID)
		}
	}
	return out
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
