package components

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/itskum47/hostforge/hostd/framework"
	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DatabaseEngine creates and drops databases and users on one database server.
type DatabaseEngine interface {
	Name() string
	CreateDatabase(ctx context.Context, name, owner string) error
	DropDatabase(ctx context.Context, name string) error
	CreateUser(ctx context.Context, name, password string) error
	DropUser(ctx context.Context, name string) error
	Close()
}

// PostgresEngine manages a PostgreSQL server through a pgx pool.
type PostgresEngine struct {
	pool *pgxpool.Pool
}

// NewPostgresEngine creates the pool. Connections are opened lazily so the
// daemon starts while the server is down.
func NewPostgresEngine(ctx context.Context, dsn string) (*PostgresEngine, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 4
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresEngine{pool: pool}, nil
}

func (p *PostgresEngine) Name() string { return "postgres" }

func (p *PostgresEngine) CreateDatabase(ctx context.Context, name, owner string) error {
	stmt := "CREATE DATABASE " + pgx.Identifier{name}.Sanitize()
	if owner != "" {
		stmt += " OWNER " + pgx.Identifier{owner}.Sanitize()
	}
	_, err := p.pool.Exec(ctx, stmt)
	return err
}

func (p *PostgresEngine) DropDatabase(ctx context.Context, name string) error {
	_, err := p.pool.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize())
	return err
}

func (p *PostgresEngine) CreateUser(ctx context.Context, name, password string) error {
	stmt, err := createRoleStatement(name, password)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, stmt)
	return err
}

func (p *PostgresEngine) DropUser(ctx context.Context, name string) error {
	_, err := p.pool.Exec(ctx, "DROP ROLE IF EXISTS "+pgx.Identifier{name}.Sanitize())
	return err
}

// Databases lists the non-template databases on the server.
func (p *PostgresEngine) Databases(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, "SELECT datname FROM pg_database WHERE NOT datistemplate ORDER BY datname")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PostgresEngine) Close() {
	p.pool.Close()
}

// createRoleStatement builds CREATE ROLE; DDL takes no bind parameters so the
// password is quoted as a literal.
func createRoleStatement(name, password string) (string, error) {
	if strings.ContainsRune(password, 0) {
		return "", fmt.Errorf("password contains NUL")
	}
	stmt := "CREATE ROLE " + pgx.Identifier{name}.Sanitize() + " LOGIN"
	if password != "" {
		stmt += " PASSWORD '" + strings.ReplaceAll(password, "'", "''") + "'"
	}
	return stmt, nil
}

// Databases tracks databases and users across the registered engines.
type Databases struct {
	framework.Base
	rt      *framework.Runtime
	engines map[string]DatabaseEngine
	logger  *zap.Logger
}

func NewDatabases() *Databases {
	return &Databases{engines: make(map[string]DatabaseEngine)}
}

// RegisterEngine adds a database engine by name.
func (d *Databases) RegisterEngine(e DatabaseEngine) {
	d.engines[e.Name()] = e
}

func (d *Databases) Name() string { return NameDatabases }

func (d *Databases) OnInit(ctx context.Context, rt *framework.Runtime) error {
	d.rt = rt
	d.logger = rt.Logger.Named(NameDatabases)
	if dsn := rt.Settings.Databases.PostgresDSN; dsn != "" {
		if _, ok := d.engines["postgres"]; !ok {
			engine, err := NewPostgresEngine(ctx, dsn)
			if err != nil {
				return fmt.Errorf("postgres engine: %w", err)
			}
			d.RegisterEngine(engine)
		}
	}
	return nil
}

// OnStop closes every engine.
func (d *Databases) OnStop(ctx context.Context) error {
	for _, e := range d.engines {
		e.Close()
	}
	return nil
}

func (d *Databases) Methods() framework.MethodTable {
	return framework.MethodTable{
		"engines": func(context.Context, framework.Args) (interface{}, error) {
			names := make([]string, 0, len(d.engines))
			for name := range d.engines {
				names = append(names, name)
			}
			sort.Strings(names)
			return names, nil
		},
		"server_databases": func(ctx context.Context, args framework.Args) (interface{}, error) {
			name := args.String("engine")
			if name == "" {
				name = "postgres"
			}
			lister, ok := d.engines[name].(interface {
				Databases(ctx context.Context) ([]string, error)
			})
			if !ok {
				return nil, fmt.Errorf("database engine %q cannot list databases", name)
			}
			return lister.Databases(ctx)
		},
		"list_databases": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			return d.list(ctx, store.KeyDatabases)
		},
		"list_users": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			return d.list(ctx, store.KeyDatabaseUsers)
		},
		"create_database": func(ctx context.Context, args framework.Args) (interface{}, error) {
			return d.mutate(ctx, args, store.KeyDatabases, true, func(e DatabaseEngine, name string) error {
				return e.CreateDatabase(ctx, name, args.String("owner"))
			})
		},
		"drop_database": func(ctx context.Context, args framework.Args) (interface{}, error) {
			return d.mutate(ctx, args, store.KeyDatabases, false, func(e DatabaseEngine, name string) error {
				return e.DropDatabase(ctx, name)
			})
		},
		"create_user": func(ctx context.Context, args framework.Args) (interface{}, error) {
			return d.mutate(ctx, args, store.KeyDatabaseUsers, true, func(e DatabaseEngine, name string) error {
				return e.CreateUser(ctx, name, args.String("password"))
			})
		},
		"drop_user": func(ctx context.Context, args framework.Args) (interface{}, error) {
			return d.mutate(ctx, args, store.KeyDatabaseUsers, false, func(e DatabaseEngine, name string) error {
				return e.DropUser(ctx, name)
			})
		},
	}
}

func (d *Databases) list(ctx context.Context, key string) ([]inventory.Database, error) {
	var out []inventory.Database
	if err := store.GetJSONOrEmpty(ctx, d.rt.Store, key, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// mutate runs fn on the engine named by args and then adds or removes the
// record stored at key.
func (d *Databases) mutate(ctx context.Context, args framework.Args, key string, add bool, fn func(DatabaseEngine, string) error) (interface{}, error) {
	engineName := args.String("engine")
	if engineName == "" {
		engineName = "postgres"
	}
	engine, ok := d.engines[engineName]
	if !ok {
		return nil, fmt.Errorf("no database engine %q", engineName)
	}
	name, err := args.RequireString("name")
	if err != nil {
		return nil, err
	}
	if err := fn(engine, name); err != nil {
		return nil, fmt.Errorf("%s %s: %w", engineName, name, err)
	}

	records, err := d.list(ctx, key)
	if err != nil {
		return nil, err
	}
	rec := inventory.Database{ID: name, Engine: engineName}
	kept := records[:0]
	for _, r := range records {
		if r != rec {
			kept = append(kept, r)
		}
	}
	if add {
		kept = append(kept, rec)
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Engine != kept[j].Engine {
			return kept[i].Engine < kept[j].Engine
		}
		return kept[i].ID < kept[j].ID
	})
	if err := store.SetJSON(ctx, d.rt.Store, key, kept); err != nil {
		return nil, err
	}
	d.logger.Info("database inventory updated", zap.String("key", key), zap.String("engine", engineName), zap.String("name", name), zap.Bool("added", add))
	return rec, nil
}
