package components

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/itskum47/hostforge/hostd/framework"
	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/scheduler"
	"github.com/itskum47/hostforge/hostd/store"
	"github.com/itskum47/hostforge/hostd/system"
	"go.uber.org/zap"
)

// SiteEngine provisions one type of website.
type SiteEngine interface {
	Type() string
	CreateSteps(site inventory.Website) []scheduler.Step
	RemoveSteps(site inventory.Website) []scheduler.Step
}

// NginxStatic serves a directory with nginx.
type NginxStatic struct {
	// SitesDir holds one server block per site.
	SitesDir string
}

func (NginxStatic) Type() string { return "nginx-static" }

func (n NginxStatic) confPath(site inventory.Website) string {
	return strings.TrimSuffix(n.SitesDir, "/") + "/" + site.ID + ".conf"
}

// ServerBlock renders the nginx configuration for site.
func (n NginxStatic) ServerBlock(site inventory.Website) string {
	var b strings.Builder
	b.WriteString("server {\n")
	b.WriteString("    listen 80;\n")
	if site.SSL {
		b.WriteString("    listen 443 ssl;\n")
		fmt.Fprintf(&b, "    ssl_certificate /etc/ssl/hostforge/%s.crt;\n", site.ID)
		fmt.Fprintf(&b, "    ssl_certificate_key /etc/ssl/hostforge/%s.key;\n", site.ID)
	}
	fmt.Fprintf(&b, "    server_name %s;\n", site.Addr)
	fmt.Fprintf(&b, "    root %s;\n", site.Path)
	b.WriteString("    index index.html index.htm;\n")
	b.WriteString("}\n")
	return b.String()
}

func (n NginxStatic) CreateSteps(site inventory.Website) []scheduler.Step {
	return []scheduler.Step{
		{Unit: scheduler.UnitShell, Order: "mkdir -p " + system.Quote(site.Path)},
		{Unit: scheduler.UnitShell, Order: "cat > " + system.Quote(n.confPath(site)), Data: map[string]interface{}{"stdin": n.ServerBlock(site)}},
		{Unit: scheduler.UnitShell, Order: "nginx -t"},
		{Unit: NameServices, Order: "restart", Data: map[string]interface{}{"unit": "nginx"}},
	}
}

func (n NginxStatic) RemoveSteps(site inventory.Website) []scheduler.Step {
	return []scheduler.Step{
		{Unit: scheduler.UnitShell, Order: "rm -f " + system.Quote(n.confPath(site))},
		{Unit: NameServices, Order: "restart", Data: map[string]interface{}{"unit": "nginx"}},
	}
}

var sitePathPattern = regexp.MustCompile(`^/[a-zA-Z0-9._@+/-]*$`)

// checkSitePath accepts clean absolute paths that are safe to write unquoted
// into a server block.
func checkSitePath(p string) error {
	if !sitePathPattern.MatchString(p) || path.Clean(p) != p || p == "/" {
		return fmt.Errorf("invalid site path %q", p)
	}
	return nil
}

// Websites keeps the site inventory and provisions sites through engines.
type Websites struct {
	framework.Base
	rt       *framework.Runtime
	engines  map[string]SiteEngine
	validate *validator.Validate
	logger   *zap.Logger
}

func NewWebsites() *Websites {
	w := &Websites{engines: make(map[string]SiteEngine), validate: validator.New()}
	w.RegisterEngine(NginxStatic{SitesDir: "/etc/nginx/sites-enabled"})
	return w
}

// RegisterEngine adds a site engine by type.
func (w *Websites) RegisterEngine(e SiteEngine) {
	w.engines[e.Type()] = e
}

func (w *Websites) Name() string { return NameWebsites }

func (w *Websites) Requires() []string { return []string{NameServices, NameSecurity} }

func (w *Websites) OnInit(ctx context.Context, rt *framework.Runtime) error {
	w.rt = rt
	w.logger = rt.Logger.Named(NameWebsites)
	return nil
}

func (w *Websites) load(ctx context.Context) ([]inventory.Website, error) {
	var sites []inventory.Website
	if err := store.GetJSONOrEmpty(ctx, w.rt.Store, store.KeyWebsites, &sites); err != nil {
		return nil, err
	}
	return sites, nil
}

func (w *Websites) save(ctx context.Context, sites []inventory.Website) error {
	sort.Slice(sites, func(i, j int) bool { return sites[i].ID < sites[j].ID })
	if sites == nil {
		sites = []inventory.Website{}
	}
	return store.SetJSON(ctx, w.rt.Store, store.KeyWebsites, sites)
}

func (w *Websites) Methods() framework.MethodTable {
	return framework.MethodTable{
		"list": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			return w.load(ctx)
		},
		"create": w.create,
		"remove": w.remove,
	}
}

// create records the site and queues its provisioning. The site is in the
// inventory before the task runs so the security scan at its end picks it up.
func (w *Websites) create(ctx context.Context, args framework.Args) (interface{}, error) {
	site := inventory.Website{
		ID:      args.String("id"),
		Name:    args.String("name"),
		Type:    args.String("type"),
		Addr:    args.String("addr"),
		Path:    args.String("path"),
		SSL:     args.Bool("ssl"),
		Enabled: true,
	}
	if site.Type == "" {
		site.Type = NginxStatic{}.Type()
	}
	if site.Name == "" {
		site.Name = site.Addr
	}
	if _, ok := args["ports"]; ok {
		if err := decodeArg(args, "ports", &site.Ports); err != nil {
			return nil, err
		}
		for i := range site.Ports {
			if site.Ports[i].Protocol == "" {
				site.Ports[i].Protocol = "tcp"
			}
		}
	}
	if err := w.validate.Struct(&site); err != nil {
		return nil, err
	}
	if err := checkID("site id", site.ID); err != nil {
		return nil, err
	}
	if site.Path == "" {
		site.Path = "/srv/http/" + site.ID
	}
	if err := checkSitePath(site.Path); err != nil {
		return nil, err
	}
	engine, ok := w.engines[site.Type]
	if !ok {
		return nil, fmt.Errorf("no site engine for type %q", site.Type)
	}

	sites, err := w.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range sites {
		if s.ID == site.ID {
			return nil, fmt.Errorf("website %s already exists", site.ID)
		}
	}
	if err := w.save(ctx, append(sites, site)); err != nil {
		return nil, err
	}

	steps := append(engine.CreateSteps(site), scheduler.Step{Unit: NameSecurity, Order: "scan"})
	taskID, err := w.rt.Queue.Submit(ctx, scheduler.Task{
		Steps: steps,
		Message: &messages.Template{
			Start:   fmt.Sprintf("Creating website %s", site.Name),
			Success: fmt.Sprintf("Website %s created", site.Name),
			Error:   fmt.Sprintf("Creating website %s failed: {error}", site.Name),
		},
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info("website create queued", zap.String("site", site.ID), zap.String("task_id", taskID))
	return map[string]interface{}{"task_id": taskID, "site": site}, nil
}

func (w *Websites) remove(ctx context.Context, args framework.Args) (interface{}, error) {
	id, err := args.RequireString("id")
	if err != nil {
		return nil, err
	}
	sites, err := w.load(ctx)
	if err != nil {
		return nil, err
	}
	var site *inventory.Website
	kept := make([]inventory.Website, 0, len(sites))
	for i := range sites {
		if sites[i].ID == id {
			site = &sites[i]
			continue
		}
		kept = append(kept, sites[i])
	}
	if site == nil {
		return nil, fmt.Errorf("website %s does not exist", id)
	}
	engine, ok := w.engines[site.Type]
	if !ok {
		return nil, fmt.Errorf("no site engine for type %q", site.Type)
	}
	if err := w.save(ctx, kept); err != nil {
		return nil, err
	}

	steps := append(engine.RemoveSteps(*site), scheduler.Step{Unit: NameSecurity, Order: "scan"})
	taskID, err := w.rt.Queue.Submit(ctx, scheduler.Task{
		Steps: steps,
		Message: &messages.Template{
			Success: fmt.Sprintf("Website %s removed", site.Name),
			Error:   fmt.Sprintf("Removing website %s failed: {error}", site.Name),
		},
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task_id": taskID}, nil
}
