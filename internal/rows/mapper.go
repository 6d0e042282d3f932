package rows

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/datatype"
	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// PropertyRef records a property seen while mapping.
type PropertyRef struct {
	Key   string       `json:"key"`
	ID    int64        `json:"id,omitempty"`
	Type  types.DIType `json:"type"`
	Table string       `json:"table"`
}

// TextValue is one entry of the value index handed to search collaborators.
type TextValue struct {
	PropertyID int64  `json:"property_id"`
	Text       string `json:"text"`
}

// MapResult is the row set of one subject grouped by table.
type MapResult struct {
	SubjectID  int64
	Tables     map[string][]Row
	Properties []PropertyRef
	TextIndex  []TextValue
}

// Mapper converts fact-sets to candidate rows.
type Mapper struct {
	catalog   *catalog.Catalog
	encoders  *datatype.Registry
	ids       *idtable.Registry
	canonical bool
	logger    *slog.Logger
}

// NewMapper creates a mapper. With canonical set, page values that name a
// redirecting page are stored as the redirect target's identifier.
func NewMapper(cat *catalog.Catalog, encoders *datatype.Registry, ids *idtable.Registry, canonical bool) *Mapper {
	return &Mapper{
		catalog:   cat,
		encoders:  encoders,
		ids:       ids,
		canonical: canonical,
		logger:    slog.Default().With("component", "mapper"),
	}
}

type tableRows struct {
	seen map[string]bool
	rows []Row
}

// Map returns the candidate rows for subject sid. Property identifiers of
// shared tables are allocated on q as needed. Values that cannot be stored
// are logged and skipped; only storage failures abort.
func (m *Mapper) Map(ctx context.Context, q store.Querier, sid int64, facts *types.FactSet) (*MapResult, error) {
	res := &MapResult{SubjectID: sid, Tables: make(map[string][]Row)}
	grouped := make(map[string]*tableRows)
	resolver := m.ids.Resolver(q, m.canonical)

	add := func(table string, row Row) {
		tr, ok := grouped[table]
		if !ok {
			tr = &tableRows{seen: make(map[string]bool)}
			grouped[table] = tr
		}
		key := row.Key()
		if tr.seen[key] {
			return
		}
		tr.seen[key] = true
		tr.rows = append(tr.rows, row)
	}

	isConcept := facts.Subject.Namespace == types.NSConcept && !facts.Subject.IsSubobject()

	for _, prop := range facts.Properties() {
		values := facts.Values(prop)
		if len(values) == 0 {
			continue
		}
		if prop.Key == types.PropConcept {
			if !isConcept {
				m.logger.Warn("concept description outside concept namespace skipped",
					"subject", facts.Subject.String())
			}
			continue
		}

		table, err := m.catalog.TableFor(prop, values[0].DIType())
		if errors.Is(err, catalog.ErrNotStored) {
			continue
		}
		if err != nil {
			m.logger.Warn("property skipped",
				"subject", facts.Subject.String(),
				"property", prop.Key,
				"error", err,
			)
			continue
		}
		if !table.IDSubject {
			continue
		}

		var pid int64
		if !table.IsFixed() {
			pid, err = m.ids.Make(ctx, q, prop.Subject(), "")
			if err != nil {
				return nil, fmt.Errorf("allocate property %s: %w", prop.Key, err)
			}
		}
		res.Properties = append(res.Properties, PropertyRef{Key: prop.Key, ID: pid, Type: table.DIType, Table: table.Name})

		enc, ok := m.encoders.Lookup(table.DIType)
		if !ok {
			return nil, fmt.Errorf("map %s: %s: %w", prop.Key, table.DIType, catalog.ErrNoEncoder)
		}

		for _, v := range values {
			if v.DIType() != table.DIType {
				m.logger.Warn("value of wrong type skipped",
					"subject", facts.Subject.String(),
					"property", prop.Key,
					"type", v.DIType(),
					"table", table.Name,
				)
				continue
			}
			cols, err := enc.Encode(ctx, resolver, v)
			if errors.Is(err, datatype.ErrResolve) {
				return nil, fmt.Errorf("map %s: %w", prop.Key, err)
			}
			if err != nil {
				m.logger.Warn("value skipped",
					"subject", facts.Subject.String(),
					"property", prop.Key,
					"error", err,
				)
				continue
			}

			row := Row{catalog.ColSubject: sid}
			if !table.IsFixed() {
				row[catalog.ColProperty] = pid
			}
			for k, val := range cols {
				row[k] = val
			}
			add(table.Name, row)

			if pid != 0 && (v.DIType() == types.TypeBlob || v.DIType() == types.TypeURI) {
				res.TextIndex = append(res.TextIndex, TextValue{PropertyID: pid, Text: v.String()})
			}
		}
	}

	if isConcept {
		row, err := m.conceptRow(ctx, q, sid, facts)
		if err != nil {
			return nil, err
		}
		add(catalog.ConceptTable, row)
		res.Properties = append(res.Properties, PropertyRef{Key: types.PropConcept, Type: types.TypeConcept, Table: catalog.ConceptTable})
	}

	for name, tr := range grouped {
		res.Tables[name] = tr.rows
	}
	return res, nil
}

// conceptRow builds the single concept table row of a concept page. The
// evaluation cache columns are carried over from the stored row.
func (m *Mapper) conceptRow(ctx context.Context, q store.Querier, sid int64, facts *types.FactSet) (Row, error) {
	concept := types.Concept{Size: -1, Depth: -1}
	if vs := facts.Values(types.Property{Key: types.PropConcept}); len(vs) > 0 {
		if c, ok := vs[len(vs)-1].(types.Concept); ok {
			concept = c
		}
	}
	enc, ok := m.encoders.Lookup(types.TypeConcept)
	if !ok {
		return nil, fmt.Errorf("map concept: %w", catalog.ErrNoEncoder)
	}
	cols, err := enc.Encode(ctx, nil, concept)
	if err != nil {
		return nil, fmt.Errorf("map concept: %w", err)
	}

	row := Row{catalog.ColSubject: sid, "cache_date": nil, "cache_count": nil}
	for k, v := range cols {
		row[k] = v
	}

	var date, count sql.NullInt64
	err = q.QueryRowContext(ctx,
		`SELECT cache_date, cache_count FROM `+catalog.ConceptTable+` WHERE s_id = ? LIMIT 1`, sid,
	).Scan(&date, &count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read concept cache of %d: %w", sid, err)
	}
	if date.Valid {
		row["cache_date"] = date.Int64
	}
	if count.Valid {
		row["cache_count"] = count.Int64
	}
	return row, nil
}
