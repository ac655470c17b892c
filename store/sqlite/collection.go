package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/rpcbridge/contracts"
	"github.com/glimte/rpcbridge/messaging"
	"github.com/google/uuid"
)

// IDField is the document attribute holding the record id
const IDField = "id"

// ErrNotFound is returned when a document does not exist
var ErrNotFound = contracts.NewError(http.StatusNotFound, "document not found")

// Document is a stored record. It always carries its id.
type Document map[string]any

// ID returns the document id
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Filter selects documents by attribute equality
type Filter struct {
	Where map[string]any `json:"where,omitempty"`
	Limit int            `json:"limit,omitempty"`
	Skip  int            `json:"skip,omitempty"`
}

// Collection is a named set of documents. It implements messaging.Store and
// messaging.Observable.
type Collection struct {
	db   *DB
	name string

	mu        sync.RWMutex
	observers map[messaging.LifecycleEvent]map[uint64]messaging.Observer
	nextObs   uint64
}

func newCollection(db *DB, name string) *Collection {
	return &Collection{
		db:        db,
		name:      name,
		observers: make(map[messaging.LifecycleEvent]map[uint64]messaging.Observer),
	}
}

// Name returns the collection name
func (c *Collection) Name() string {
	return c.name
}

// Observe implements messaging.Observable
func (c *Collection) Observe(event messaging.LifecycleEvent, observer messaging.Observer) messaging.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.observers[event] == nil {
		c.observers[event] = make(map[uint64]messaging.Observer)
	}
	id := c.nextObs
	c.nextObs++
	c.observers[event][id] = observer

	return messaging.SubscriptionFunc(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers[event], id)
	})
}

// notify runs the observers of event in registration order; the first error stops the chain
func (c *Collection) notify(ctx context.Context, event messaging.LifecycleEvent, lc messaging.LifecycleContext) error {
	c.mu.RLock()
	ids := slices.Sorted(maps.Keys(c.observers[event]))
	observers := make([]messaging.Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, c.observers[event][id])
	}
	c.mu.RUnlock()

	for _, observer := range observers {
		if err := observer(ctx, lc); err != nil {
			return fmt.Errorf("%s observer: %w", event, err)
		}
	}
	return nil
}

// FindByID implements messaging.Store. A missing document yields nil, nil.
func (c *Collection) FindByID(ctx context.Context, id string) (any, error) {
	doc, err := c.get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Collection) get(ctx context.Context, id string) (Document, error) {
	var data string
	err := c.db.sqlDB.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		c.name, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", c.name, id, err)
	}
	return decodeDocument(data)
}

// Create inserts a document. A missing id is generated.
func (c *Collection) Create(ctx context.Context, attrs map[string]any) (Document, error) {
	doc := Document{}
	for k, v := range attrs {
		doc[k] = v
	}

	switch id := doc[IDField].(type) {
	case nil:
		doc[IDField] = uuid.NewString()
	case string:
		if id == "" {
			doc[IDField] = uuid.NewString()
		}
	case float64:
		if math.IsInf(id, 0) || id != math.Trunc(id) {
			return nil, contracts.BadRequest(fmt.Sprintf("invalid id %v: numeric ids must be integers", id))
		}
		doc[IDField] = strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return nil, contracts.BadRequest(fmt.Sprintf("invalid id %v", id))
	}

	// the id is the target segment of every change topic for this document
	if err := contracts.ValidateSegment(doc.ID()); err != nil {
		return nil, contracts.BadRequest(fmt.Sprintf("invalid id %q: must not contain '.', '*' or '#'", doc.ID()))
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, contracts.BadRequest(fmt.Sprintf("invalid document: %v", err))
	}

	now := time.Now().UTC().UnixNano()
	_, err = c.db.sqlDB.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.name, doc.ID(), string(data), now, now,
	)
	if err != nil {
		if exists, _ := c.Exists(ctx, doc.ID()); exists {
			return nil, contracts.NewError(http.StatusConflict, fmt.Sprintf("%s %s already exists", c.name, doc.ID()))
		}
		return nil, fmt.Errorf("create %s: %w", c.name, err)
	}

	c.db.logger.Debug("document created", "collection", c.name, "id", doc.ID())

	err = c.notify(ctx, messaging.AfterSave, messaging.LifecycleContext{
		Model:         c.name,
		ID:            doc.ID(),
		Instance:      doc,
		IsNewInstance: true,
	})
	return doc, err
}

// UpdateAttributes merges attrs into the document. The id cannot change.
func (c *Collection) UpdateAttributes(ctx context.Context, id string, attrs map[string]any) (Document, error) {
	doc, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	for k, v := range attrs {
		if k == IDField {
			continue
		}
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, contracts.BadRequest(fmt.Sprintf("invalid document: %v", err))
	}

	res, err := c.db.sqlDB.ExecContext(ctx,
		`UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(data), time.Now().UTC().UnixNano(), c.name, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", c.name, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	err = c.notify(ctx, messaging.AfterSave, messaging.LifecycleContext{
		Model:    c.name,
		ID:       id,
		Instance: doc,
	})
	return doc, err
}

// DeleteByID removes a document and reports how many were removed
func (c *Collection) DeleteByID(ctx context.Context, id string) (int, error) {
	res, err := c.db.sqlDB.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		c.name, id,
	)
	if err != nil {
		return 0, fmt.Errorf("delete %s %s: %w", c.name, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete %s %s: %w", c.name, id, err)
	}
	if n == 0 {
		return 0, nil
	}

	err = c.notify(ctx, messaging.AfterDelete, messaging.LifecycleContext{
		Model: c.name,
		ID:    id,
	})
	return int(n), err
}

// Exists reports whether a document with id exists
func (c *Collection) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := c.db.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE collection = ? AND id = ?`,
		c.name, id,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s %s: %w", c.name, id, err)
	}
	return true, nil
}

// Find returns the documents matching filter, oldest first
func (c *Collection) Find(ctx context.Context, filter Filter) ([]Document, error) {
	query, args, err := c.selectQuery("SELECT data", filter.Where)
	if err != nil {
		return nil, err
	}
	query += " ORDER BY created_at, id"

	if filter.Limit > 0 || filter.Skip > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Skip)
	}

	rows, err := c.db.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", c.name, err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("find %s: %w", c.name, err)
		}
		doc, err := decodeDocument(data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find %s: %w", c.name, err)
	}
	return docs, nil
}

// Count returns how many documents match where
func (c *Collection) Count(ctx context.Context, where map[string]any) (int, error) {
	query, args, err := c.selectQuery("SELECT COUNT(*)", where)
	if err != nil {
		return 0, err
	}
	var n int
	if err := c.db.sqlDB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return n, nil
}

// selectQuery builds the FROM/WHERE clause. Attribute paths are bound as
// parameters, never interpolated.
func (c *Collection) selectQuery(selection string, where map[string]any) (string, []any, error) {
	query := selection + " FROM documents WHERE collection = ?"
	args := []any{c.name}

	for _, field := range slices.Sorted(maps.Keys(where)) {
		value := where[field]
		switch v := value.(type) {
		case nil:
			query += " AND json_extract(data, ?) IS NULL"
			args = append(args, "$."+quotePath(field))
		case map[string]any, []any:
			return "", nil, contracts.BadRequest(fmt.Sprintf("unsupported filter on %s", field))
		case bool:
			// json_extract yields 0/1 for booleans
			n := 0
			if v {
				n = 1
			}
			query += " AND json_extract(data, ?) = ?"
			args = append(args, "$."+quotePath(field), n)
		default:
			query += " AND json_extract(data, ?) = ?"
			args = append(args, "$."+quotePath(field), v)
		}
	}
	return query, args, nil
}

func quotePath(field string) string {
	b, _ := json.Marshal(field)
	return string(b)
}

func decodeDocument(data string) (Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}
