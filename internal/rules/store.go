package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTreeNotFound is returned when no root node exists for the id.
var ErrTreeNotFound = errors.New("rule tree not found")

// DefaultCacheTTL bounds how long a compiled tree is served from Redis.
const DefaultCacheTTL = 10 * time.Minute

// Store persists rule trees flat, one row per node, and caches the nested
// form in Redis keyed by root id.
type Store struct {
	db    *sql.DB
	cache *redis.Client
	ttl   time.Duration
}

// NewStore creates a rule store. cache may be nil.
func NewStore(db *sql.DB, cache *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Store{db: db, cache: cache, ttl: ttl}
}

// EnsureSchema creates the rules table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rules (
			id         TEXT PRIMARY KEY,
			root_id    TEXT,
			parent_id  TEXT,
			type       TEXT NOT NULL,
			"group"    TEXT NOT NULL,
			path       TEXT NOT NULL,
			operator   TEXT NOT NULL,
			value      JSONB,
			frequency  JSONB,
			position   INT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS rules_root_id_idx ON rules (root_id);
		CREATE INDEX IF NOT EXISTS rules_parent_id_idx ON rules (parent_id)
	`)
	if err != nil {
		return fmt.Errorf("create rules table: %w", err)
	}
	return nil
}

// CacheKey is the invalidation key of a tree.
func CacheKey(rootID string) string {
	return "rules:" + rootID
}

// ==========================================
// WRITES
// ==========================================

// SaveTree stitches and validates root, then replaces every stored node of
// the tree in a single transaction. It returns the stitched tree.
func (s *Store) SaveTree(ctx context.Context, root Rule) (Rule, error) {
	root = Stitch(root)
	if err := Validate(root); err != nil {
		return Rule{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Rule{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = $1 OR root_id = $1`, root.ID); err != nil {
		return Rule{}, fmt.Errorf("delete rule tree: %w", err)
	}
	positions := make(map[string]int)
	for _, node := range Flatten(root) {
		if err := insertNode(ctx, tx, node, positions[node.ParentID]); err != nil {
			return Rule{}, err
		}
		positions[node.ParentID]++
	}
	if err := tx.Commit(); err != nil {
		return Rule{}, fmt.Errorf("commit rule tree: %w", err)
	}

	s.invalidate(ctx, root.ID)
	return root, nil
}

// insertNode writes one flattened node; position keeps sibling order.
func insertNode(ctx context.Context, tx *sql.Tx, node Rule, position int) error {
	value, err := nullableJSON(node.Value)
	if err != nil {
		return fmt.Errorf("marshal value of %s: %w", node.ID, err)
	}
	var frequency any
	if node.Frequency != nil {
		if frequency, err = nullableJSON(node.Frequency); err != nil {
			return fmt.Errorf("marshal frequency of %s: %w", node.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rules (id, root_id, parent_id, type, "group", path, operator, value, frequency, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, node.ID, nullString(node.RootID), nullString(node.ParentID), string(node.Type), string(node.Group),
		node.Path, string(node.Operator), value, frequency, position)
	if err != nil {
		return fmt.Errorf("insert rule %s: %w", node.ID, err)
	}
	return nil
}

// ReplaceSubtree swaps the node nodeID, and everything below it, for
// replacement. The replacement keeps the id and position of the node it
// replaces.
func (s *Store) ReplaceSubtree(ctx context.Context, rootID, nodeID string, replacement Rule) (Rule, error) {
	root, err := s.GetTree(ctx, rootID)
	if err != nil {
		return Rule{}, err
	}
	if nodeID == rootID {
		replacement.ID = rootID
		return s.SaveTree(ctx, replacement)
	}

	replacement.ID = nodeID
	updated, found := replaceNode(root, replacement)
	if !found {
		return Rule{}, fmt.Errorf("%w: node %s not in tree %s", ErrTreeNotFound, nodeID, rootID)
	}
	return s.SaveTree(ctx, updated)
}

func replaceNode(node, replacement Rule) (Rule, bool) {
	for i, child := range node.Children {
		if child.ID == replacement.ID {
			children := append([]Rule(nil), node.Children...)
			children[i] = replacement
			node.Children = children
			return node, true
		}
		if updated, ok := replaceNode(child, replacement); ok {
			children := append([]Rule(nil), node.Children...)
			children[i] = updated
			node.Children = children
			return node, true
		}
	}
	return node, false
}

// DeleteNode removes a node and all of its descendants. Deleting the root
// removes the whole tree.
func (s *Store) DeleteNode(ctx context.Context, rootID, nodeID string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if nodeID == rootID {
		res, err = s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1 OR root_id = $1`, rootID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			WITH RECURSIVE doomed AS (
				SELECT id FROM rules WHERE id = $1 AND root_id = $2
				UNION ALL
				SELECT r.id FROM rules r JOIN doomed d ON r.parent_id = d.id
			)
			DELETE FROM rules WHERE id IN (SELECT id FROM doomed)
		`, nodeID, rootID)
	}
	if err != nil {
		return 0, fmt.Errorf("delete rule %s: %w", nodeID, err)
	}
	s.invalidate(ctx, rootID)

	n, _ := res.RowsAffected()
	return n, nil
}

// ==========================================
// READS
// ==========================================

// GetTree loads the nested tree rooted at rootID, from cache when possible.
func (s *Store) GetTree(ctx context.Context, rootID string) (Rule, error) {
	if cached, ok := s.cached(ctx, rootID); ok {
		return cached, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, root_id, parent_id, type, "group", path, operator, value, frequency
		FROM rules
		WHERE id = $1 OR root_id = $1
		ORDER BY position, id
	`, rootID)
	if err != nil {
		return Rule{}, fmt.Errorf("query rule tree: %w", err)
	}
	defer rows.Close()

	var (
		all  []Rule
		root *Rule
	)
	for rows.Next() {
		node, err := scanRule(rows)
		if err != nil {
			return Rule{}, err
		}
		if node.ID == rootID {
			root = &node
		}
		all = append(all, node)
	}
	if err := rows.Err(); err != nil {
		return Rule{}, fmt.Errorf("iterate rule tree: %w", err)
	}
	if root == nil {
		return Rule{}, fmt.Errorf("%w: %s", ErrTreeNotFound, rootID)
	}

	tree, err := CompileTree(*root, all)
	if err != nil {
		return Rule{}, err
	}
	nested := tree.Rule()
	s.store(ctx, nested)
	return nested, nil
}

func scanRule(rows *sql.Rows) (Rule, error) {
	var (
		r                Rule
		rootID, parentID sql.NullString
		typ, group, op   string
		value, frequency []byte
	)
	if err := rows.Scan(&r.ID, &rootID, &parentID, &typ, &group, &r.Path, &op, &value, &frequency); err != nil {
		return Rule{}, fmt.Errorf("scan rule: %w", err)
	}
	r.RootID = rootID.String
	r.ParentID = parentID.String
	r.Type = Type(typ)
	r.Group = Group(group)
	r.Operator = Operator(op)
	if len(value) > 0 {
		if err := json.Unmarshal(value, &r.Value); err != nil {
			return Rule{}, fmt.Errorf("decode value of %s: %w", r.ID, err)
		}
	}
	if len(frequency) > 0 {
		r.Frequency = &Frequency{}
		if err := json.Unmarshal(frequency, r.Frequency); err != nil {
			return Rule{}, fmt.Errorf("decode frequency of %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// ==========================================
// CACHE
// ==========================================

func (s *Store) cached(ctx context.Context, rootID string) (Rule, bool) {
	if s.cache == nil {
		return Rule{}, false
	}
	data, err := s.cache.Get(ctx, CacheKey(rootID)).Bytes()
	if err != nil {
		return Rule{}, false
	}
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return Rule{}, false
	}
	return r, true
}

func (s *Store) store(ctx context.Context, root Rule) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(root)
	if err != nil {
		return
	}
	s.cache.Set(ctx, CacheKey(root.ID), data, s.ttl)
}

func (s *Store) invalidate(ctx context.Context, rootID string) {
	if s.cache == nil {
		return
	}
	s.cache.Del(ctx, CacheKey(rootID))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullableJSON encodes v for a JSONB column; nil stays SQL NULL.
func nullableJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
