package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/config"
	"github.com/hyperengineering/factstore/internal/datatype"
	"github.com/hyperengineering/factstore/internal/engine"
	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

var (
	dbPathOverride string
	jsonOutput     bool
)

// runtime bundles the store and the engine built on it.
type runtime struct {
	cfg    *config.Config
	store  *store.SQLiteStore
	engine *engine.Engine
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

// loadConfig loads the configuration and applies the --db override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbPathOverride != "" {
		cfg.Database.Path = dbPathOverride
	}
	return cfg, nil
}

// openRuntime opens the database, checks it against the table catalog and
// builds the engine with the configured switches.
func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	reg := datatype.DefaultRegistry()
	cat, err := catalog.New(reg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("build catalog: %w", err)
	}
	if err := cat.Verify(ctx, s); err != nil {
		s.Close()
		return nil, err
	}

	e := engine.New(s, cat, reg, engine.Config{
		MergeIdentity:   cfg.Engine.EqualitySupport,
		UpdateJobs:      cfg.Engine.EnableUpdateJobs,
		DeferStatistics: cfg.Engine.DeferStatistics,
	}, engine.WithCache(idtable.NewCache(cfg.Engine.IDCacheSize)))

	return &runtime{cfg: cfg, store: s, engine: e}, nil
}

// resolveRuntime loads config and opens the engine for a one-shot command.
func resolveRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openRuntime(ctx, cfg)
}

// parseID parses a positive identifier argument.
func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid identifier %q", arg)
	}
	return id, nil
}

// subjectArg builds a page subject from a title argument and a namespace flag.
func subjectArg(title string, namespace int) types.Subject {
	return types.NewSubject(title, namespace)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
