// Package idtable maps entity identity tuples to integer identifiers and
// owns the per-entity metadata: sort key, redirect marker, table hashes and
// touched timestamp.
package idtable

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hyperengineering/factstore/internal/links"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// Interwiki values reserved as entity markers.
const (
	MarkerNone     = ""
	MarkerRedirect = ":smw-redi"
	MarkerOutdated = ":smw"
	MarkerDelete   = ":smw-delete"
)

// touchBatchSize bounds the id list of one touched-timestamp update.
const touchBatchSize = 500

var (
	// ErrNotFound indicates no identifier with the given id exists.
	ErrNotFound = errors.New("entity id not found")
)

// Entry is one row of the identifier table.
type Entry struct {
	ID       int64
	Subject  types.Subject
	SortKey  string
	Checksum string
	Hash     string
	Revision int64
	Touched  time.Time
}

// Retired reports whether marker flags an identifier waiting for the
// disposal sweep. Retired tuples are not unique and are addressed by id.
func Retired(marker string) bool {
	return marker == MarkerOutdated || marker == MarkerDelete
}

// Marker returns the reserved marker stored in the interwiki column, or
// MarkerNone when the column holds a real interwiki prefix.
func (e Entry) Marker() string {
	switch e.Subject.Interwiki {
	case MarkerRedirect, MarkerOutdated, MarkerDelete:
		return e.Subject.Interwiki
	}
	return MarkerNone
}

// Page returns the subject with any reserved marker stripped.
func (e Entry) Page() types.Subject {
	if e.Marker() != MarkerNone {
		return e.Subject.WithInterwiki("")
	}
	return e.Subject
}

// Registry reads and writes the identifier table through a shared cache.
// Every method takes the Querier to run on, so callers decide whether the
// work joins their transaction.
type Registry struct {
	cache *Cache
}

// NewRegistry returns a registry using cache. A nil cache disables caching.
func NewRegistry(cache *Cache) *Registry {
	if cache == nil {
		cache = NewCache(0)
	}
	return &Registry{cache: cache}
}

// Cache returns the registry's identifier cache.
func (r *Registry) Cache() *Cache {
	return r.cache
}

// Checksum returns the SHA-1 digest of an identity tuple.
func Checksum(s types.Subject) string {
	h := sha1.New()
	h.Write([]byte(s.Title))
	h.Write([]byte{0x00})
	h.Write([]byte(strconv.Itoa(s.Namespace)))
	h.Write([]byte{0x00})
	h.Write([]byte(s.Interwiki))
	h.Write([]byte{0x00})
	h.Write([]byte(s.Subobject))
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Registry) find(ctx context.Context, q store.Querier, s types.Subject) (Cached, error) {
	if c, ok := r.cache.Get(s.Key()); ok {
		return c, nil
	}
	var c Cached
	err := q.QueryRowContext(ctx, `
		SELECT id, sortkey FROM entity_ids
		WHERE title = ? AND namespace = ? AND interwiki = ? AND subobject = ?
	`, s.Title, s.Namespace, s.Interwiki, s.Subobject).Scan(&c.ID, &c.SortKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Cached{}, nil
	}
	if err != nil {
		return Cached{}, fmt.Errorf("find entity %s: %w", s, err)
	}
	if !Retired(s.Interwiki) {
		r.cache.Set(s.Key(), c)
	}
	return c, nil
}

// Find returns the identifier of the exact identity tuple, or 0 if none
// exists.
func (r *Registry) Find(ctx context.Context, q store.Querier, s types.Subject) (int64, error) {
	c, err := r.find(ctx, q, s)
	return c.ID, err
}

// FindPage returns the identifier of a page whether or not it is marked as
// a redirect. The plain identifier wins when both exist.
func (r *Registry) FindPage(ctx context.Context, q store.Querier, s types.Subject) (id int64, redirect bool, err error) {
	if id, err = r.Find(ctx, q, s.WithInterwiki(MarkerNone)); err != nil || id != 0 {
		return id, false, err
	}
	id, err = r.Find(ctx, q, s.WithInterwiki(MarkerRedirect))
	return id, id != 0, err
}

// Resolve returns the canonical identifier of s: the redirect target's
// identifier when s is a redirecting page, otherwise the identifier of s
// itself. It returns 0 if neither exists.
func (r *Registry) Resolve(ctx context.Context, q store.Querier, s types.Subject) (int64, error) {
	if !s.IsSubobject() && s.Interwiki == "" {
		target, err := links.RedirectTarget(ctx, q, s.Title, s.Namespace)
		if err != nil {
			return 0, err
		}
		if target != 0 {
			return target, nil
		}
	}
	return r.Find(ctx, q, s)
}

// Make returns the identifier of s, allocating it when missing. A non-empty
// sortKey replaces the stored one. A concurrent allocation of the same
// tuple is downgraded to a lookup followed by the sort key update.
func (r *Registry) Make(ctx context.Context, q store.Querier, s types.Subject, sortKey string) (int64, error) {
	c, err := r.find(ctx, q, s)
	if err != nil {
		return 0, err
	}
	if c.ID != 0 {
		if sortKey != "" && sortKey != c.SortKey {
			if err := r.setSortKey(ctx, q, s, c.ID, sortKey); err != nil {
				return 0, err
			}
		}
		return c.ID, nil
	}

	if sortKey == "" {
		sortKey = types.DefaultSortKey(s)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO entity_ids (title, namespace, interwiki, subobject, sortkey, checksum)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.Title, s.Namespace, s.Interwiki, s.Subobject, sortKey, Checksum(s))
	if store.IsUniqueViolation(err) {
		r.cache.Delete(s.Key())
		c, err = r.find(ctx, q, s)
		if err != nil {
			return 0, err
		}
		if c.ID == 0 {
			return 0, fmt.Errorf("make entity %s: duplicate key but no row", s)
		}
		if sortKey != c.SortKey {
			if err := r.setSortKey(ctx, q, s, c.ID, sortKey); err != nil {
				return 0, err
			}
		}
		return c.ID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("make entity %s: %w", s, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("make entity %s: %w", s, err)
	}
	r.cache.Set(s.Key(), Cached{ID: id, SortKey: sortKey})
	return id, nil
}

func (r *Registry) setSortKey(ctx context.Context, q store.Querier, s types.Subject, id int64, sortKey string) error {
	if _, err := q.ExecContext(ctx, `UPDATE entity_ids SET sortkey = ? WHERE id = ?`, sortKey, id); err != nil {
		return fmt.Errorf("update sortkey of %d: %w", id, err)
	}
	r.cache.Set(s.Key(), Cached{ID: id, SortKey: sortKey})
	return nil
}

const entryColumns = `id, title, namespace, interwiki, subobject, sortkey, checksum, hash, revision, touched`

func scanEntry(sc interface{ Scan(...any) error }) (Entry, error) {
	var (
		e       Entry
		hash    sql.NullString
		touched sql.NullString
	)
	err := sc.Scan(&e.ID, &e.Subject.Title, &e.Subject.Namespace, &e.Subject.Interwiki,
		&e.Subject.Subobject, &e.SortKey, &e.Checksum, &hash, &e.Revision, &touched)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = hash.String
	if touched.Valid {
		e.Touched, _ = time.Parse(time.RFC3339Nano, touched.String)
	}
	return e, nil
}

// Get returns the entry for id.
func (r *Registry) Get(ctx context.Context, q store.Querier, id int64) (Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entity_ids WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("get entity %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entity %d: %w", id, err)
	}
	return e, nil
}

// SetMarker changes the reserved marker of id, recomputing its checksum and
// moving the cache entry from the old identity key to the new one.
func (r *Registry) SetMarker(ctx context.Context, q store.Querier, id int64, marker string) error {
	e, err := r.Get(ctx, q, id)
	if err != nil {
		return err
	}
	return r.Rename(ctx, q, id, e.Page().WithInterwiki(marker), "")
}

// Rename rewrites the identity tuple of id. A non-empty sortKey replaces
// the stored sort key.
func (r *Registry) Rename(ctx context.Context, q store.Querier, id int64, to types.Subject, sortKey string) error {
	e, err := r.Get(ctx, q, id)
	if err != nil {
		return err
	}
	if sortKey == "" {
		sortKey = e.SortKey
	}
	_, err = q.ExecContext(ctx, `
		UPDATE entity_ids
		SET title = ?, namespace = ?, interwiki = ?, subobject = ?, sortkey = ?, checksum = ?
		WHERE id = ?
	`, to.Title, to.Namespace, to.Interwiki, to.Subobject, sortKey, Checksum(to), id)
	if err != nil {
		return fmt.Errorf("rename entity %d to %s: %w", id, to, err)
	}
	r.cache.Delete(e.Subject.Key())
	if !Retired(to.Interwiki) {
		r.cache.Set(to.Key(), Cached{ID: id, SortKey: sortKey})
	}
	return nil
}

// SetRevision records the external revision marker of id.
func (r *Registry) SetRevision(ctx context.Context, q store.Querier, id, revision int64) error {
	if _, err := q.ExecContext(ctx, `UPDATE entity_ids SET revision = ? WHERE id = ?`, revision, id); err != nil {
		return fmt.Errorf("update revision of %d: %w", id, err)
	}
	return nil
}

// TableHashes returns the stored per-table hashes of id. A nil map means
// the hashes are unknown, either never written or unreadable.
func (r *Registry) TableHashes(ctx context.Context, q store.Querier, id int64) (map[string]string, error) {
	var raw sql.NullString
	err := q.QueryRowContext(ctx, `SELECT proptable_hash FROM entity_ids WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get table hashes of %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get table hashes of %d: %w", id, err)
	}
	if !raw.Valid {
		return nil, nil
	}
	hashes := make(map[string]string)
	if err := json.Unmarshal([]byte(raw.String), &hashes); err != nil {
		return nil, nil
	}
	return hashes, nil
}

// SetTableHashes stores the per-table hashes of id together with their
// combined digest.
func (r *Registry) SetTableHashes(ctx context.Context, q store.Querier, id int64, hashes map[string]string) error {
	if hashes == nil {
		hashes = map[string]string{}
	}
	raw, err := json.Marshal(hashes)
	if err != nil {
		return fmt.Errorf("encode table hashes of %d: %w", id, err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE entity_ids SET proptable_hash = ?, hash = ? WHERE id = ?`,
		string(raw), CombinedHash(hashes), id,
	); err != nil {
		return fmt.Errorf("set table hashes of %d: %w", id, err)
	}
	return nil
}

// ResetTableHashes marks the table hashes of ids as unknown.
func (r *Registry) ResetTableHashes(ctx context.Context, q store.Querier, ids ...int64) error {
	for _, chunk := range store.Chunk(ids, touchBatchSize) {
		_, err := q.ExecContext(ctx,
			`UPDATE entity_ids SET proptable_hash = NULL, hash = NULL WHERE id IN (`+store.Placeholders(len(chunk))+`)`,
			store.Int64Args(chunk)...,
		)
		if err != nil {
			return fmt.Errorf("reset table hashes: %w", err)
		}
	}
	return nil
}

// CombinedHash digests a per-table hash map independent of map order.
func CombinedHash(hashes map[string]string) string {
	names := make([]string, 0, len(hashes))
	for name := range hashes {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0x00})
		h.Write([]byte(hashes[name]))
		h.Write([]byte{0x00})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Touch sets the touched timestamp of every id in ids.
func (r *Registry) Touch(ctx context.Context, q store.Querier, ids *roaring64.Bitmap, at time.Time) error {
	if ids == nil || ids.IsEmpty() {
		return nil
	}
	stamp := at.UTC().Format(time.RFC3339Nano)
	for _, chunk := range store.Chunk(BitmapIDs(ids), touchBatchSize) {
		args := append([]any{stamp}, store.Int64Args(chunk)...)
		_, err := q.ExecContext(ctx,
			`UPDATE entity_ids SET touched = ? WHERE id IN (`+store.Placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("touch %d entities: %w", len(chunk), err)
		}
	}
	return nil
}

// BitmapIDs returns the ids of a bitmap in ascending order.
func BitmapIDs(b *roaring64.Bitmap) []int64 {
	if b == nil {
		return nil
	}
	raw := b.ToArray()
	ids := make([]int64, len(raw))
	for i, v := range raw {
		ids[i] = int64(v)
	}
	return ids
}

// Delete removes id from the identifier table and the cache.
func (r *Registry) Delete(ctx context.Context, q store.Querier, id int64) error {
	e, err := r.Get(ctx, q, id)
	if errors.Is(err, ErrNotFound) {
		r.cache.DeleteID(id)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM entity_ids WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete entity %d: %w", id, err)
	}
	r.cache.Delete(e.Subject.Key())
	r.cache.DeleteID(id)
	return nil
}

// Subobjects returns the subobject entries of page, including those whose
// marker differs from the page's.
func (r *Registry) Subobjects(ctx context.Context, q store.Querier, page types.Subject) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entity_ids
		WHERE title = ? AND namespace = ? AND subobject != ''
		ORDER BY id
	`, page.Title, page.Namespace)
	if err != nil {
		return nil, fmt.Errorf("list subobjects of %s: %w", page, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subobject: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListMarked returns up to limit entries carrying one of markers with an id
// greater than afterID, in id order.
func (r *Registry) ListMarked(ctx context.Context, q store.Querier, afterID int64, limit int, markers ...string) ([]Entry, error) {
	if len(markers) == 0 {
		return nil, nil
	}
	args := []any{afterID}
	for _, m := range markers {
		args = append(args, m)
	}
	args = append(args, limit)
	rows, err := q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entity_ids
		WHERE id > ? AND interwiki IN (`+store.Placeholders(len(markers))+`)
		ORDER BY id LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list marked entities: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan marked entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of allocated identifiers.
func (r *Registry) Count(ctx context.Context, q store.Querier) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entity_ids`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}
