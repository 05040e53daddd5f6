package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"mention_radar/internal/model"
	"mention_radar/migrations"
)

// Fixed-width layout so that timestamps compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const (
	userColumns    = `id, name, recipient, last_notified_at, created_at`
	keywordColumns = `id, user_id, pattern, expression_type, sources, last_crawled_at, created_at`
	itemColumns    = `id, external_id, source, title, body, url, author, timestamp, vector, matches, last_checked_at, created_at`
	// recheckColumns has the shape of itemColumns without the vector.
	recheckColumns = `id, external_id, source, title, body, url, author, timestamp, NULL, matches, last_checked_at, created_at`
	commentColumns = `id, external_id, source, content_item_id, parent_comment_id, body, url, author, timestamp, matches, created_at`
)

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" databases intact.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateUser inserts a new user and populates its ID and CreatedAt.
func (s *SQLite) CreateUser(ctx context.Context, u *model.User) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, recipient, last_notified_at, created_at) VALUES (?, ?, ?, ?)`,
		u.Name, u.Recipient, formatTimePtr(u.LastNotifiedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	u.ID = id
	u.CreatedAt = parseTime(formatTime(now))
	return nil
}

// GetUser returns a single user by its ID.
func (s *SQLite) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all users ordered by ID.
func (s *SQLite) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetLastNotified advances the digest watermark of a user.
func (s *SQLite) SetLastNotified(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_notified_at = ? WHERE id = ?`, formatTime(at), userID,
	)
	if err != nil {
		return fmt.Errorf("update last notified: %w", err)
	}
	return nil
}

// CreateKeyword inserts a new keyword and populates its ID and CreatedAt.
func (s *SQLite) CreateKeyword(ctx context.Context, k *model.Keyword) error {
	sources, err := json.Marshal(nonNilStrings(k.Sources))
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO keywords (user_id, pattern, expression_type, sources, last_crawled_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		k.UserID, k.Pattern, string(k.ExpressionType), string(sources), formatTimePtr(k.LastCrawled), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert keyword: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	k.ID = id
	k.CreatedAt = parseTime(formatTime(now))
	return nil
}

// ListKeywords returns every keyword ordered by ID.
func (s *SQLite) ListKeywords(ctx context.Context) ([]model.Keyword, error) {
	return s.queryKeywords(ctx, sq.Select(keywordColumns).From("keywords").OrderBy("id"))
}

// ListKeywordsByUser returns the keywords owned by a user.
func (s *SQLite) ListKeywordsByUser(ctx context.Context, userID int64) ([]model.Keyword, error) {
	return s.queryKeywords(ctx, sq.Select(keywordColumns).From("keywords").
		Where(sq.Eq{"user_id": userID}).OrderBy("id"))
}

// ListCrawlCandidates returns keywords never crawled or last crawled before
// crawledBefore. Never-crawled keywords come first, then the least recently
// crawled ones.
func (s *SQLite) ListCrawlCandidates(ctx context.Context, crawledBefore time.Time) ([]model.Keyword, error) {
	q := sq.Select(keywordColumns).From("keywords").
		Where(sq.Or{
			sq.Eq{"last_crawled_at": nil},
			sq.Lt{"last_crawled_at": formatTime(crawledBefore)},
		}).
		OrderBy("last_crawled_at IS NOT NULL", "last_crawled_at", "id")
	return s.queryKeywords(ctx, q)
}

// StampCrawled sets last_crawled_at for the given keywords.
func (s *SQLite) StampCrawled(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sq.Update("keywords").
		Set("last_crawled_at", formatTime(at)).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build stamp query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("stamp crawled: %w", err)
	}
	return nil
}

func (s *SQLite) queryKeywords(ctx context.Context, b sq.SelectBuilder) ([]model.Keyword, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build keyword query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keywords []model.Keyword
	for rows.Next() {
		k, err := scanKeyword(rows)
		if err != nil {
			return nil, err
		}
		keywords = append(keywords, k)
	}
	return keywords, rows.Err()
}

// FindContentItem looks up an item by its dedup key.
func (s *SQLite) FindContentItem(ctx context.Context, source, externalID string) (*model.ContentItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM content_items WHERE source = ? AND external_id = ?`,
		source, externalID,
	)
	item, err := scanItem(row)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// InsertContentItem stores a new item unless one with the same (source,
// external_id) already exists. It reports whether a row was inserted and, if
// so, populates ID and CreatedAt.
func (s *SQLite) InsertContentItem(ctx context.Context, item *model.ContentItem) (bool, error) {
	vector, err := marshalVector(item.Vector)
	if err != nil {
		return false, err
	}
	matches, err := marshalMatches(item.Matches)
	if err != nil {
		return false, err
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO content_items
		   (external_id, source, title, body, url, author, timestamp, vector, matches, last_checked_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, external_id) DO NOTHING`,
		item.ExternalID, item.Source, item.Title, item.Body, item.URL, item.Author,
		formatTime(item.Timestamp), vector, matches, formatTimePtr(item.LastCheckedAt), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("insert content item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	item.ID = id
	item.CreatedAt = parseTime(formatTime(now))
	return true, nil
}

// ListUnassignedContentItems returns up to limit items with no match records.
// Never-evaluated items come first, then the least recently evaluated.
func (s *SQLite) ListUnassignedContentItems(ctx context.Context, limit int) ([]model.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM content_items WHERE matches = '[]'
		 ORDER BY assign_checked_at IS NOT NULL, assign_checked_at, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unassigned items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// MarkContentItemsEvaluated stamps items that were evaluated without a match
// so the next cycle moves on to other rows.
func (s *SQLite) MarkContentItemsEvaluated(ctx context.Context, ids []int64, at time.Time) error {
	return s.markEvaluated(ctx, "content_items", ids, at)
}

// SetContentItemMatches writes the match list of an item if it is still
// empty. It reports whether the write happened.
func (s *SQLite) SetContentItemMatches(ctx context.Context, id int64, matches []model.Match) (bool, error) {
	return s.setMatches(ctx, "content_items", id, matches)
}

// ListRecheckCandidates returns items of a source whose upstream timestamp is
// at or after since and that were never checked or last checked before
// checkedBefore. Vectors are not loaded.
func (s *SQLite) ListRecheckCandidates(ctx context.Context, source string, since, checkedBefore time.Time) ([]model.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recheckColumns+` FROM content_items
		 WHERE source = ? AND timestamp >= ?
		   AND (last_checked_at IS NULL OR last_checked_at < ?)
		 ORDER BY timestamp DESC`,
		source, formatTime(since), formatTime(checkedBefore),
	)
	if err != nil {
		return nil, fmt.Errorf("query recheck candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// MarkChecked stamps the last comment recheck time of an item.
func (s *SQLite) MarkChecked(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content_items SET last_checked_at = ? WHERE id = ?`, formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("mark checked: %w", err)
	}
	return nil
}

// ListMatchedContentItems returns items created after createdAfter whose match
// records include any of keywords, compared case-insensitively.
func (s *SQLite) ListMatchedContentItems(ctx context.Context, keywords []string, createdAfter time.Time) ([]model.ContentItem, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	query, args, err := matchedQuery(itemColumns, "content_items", keywords, createdAfter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query matched items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// CommentExists reports whether a comment with the dedup key is stored.
func (s *SQLite) CommentExists(ctx context.Context, source, externalID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM comments WHERE source = ? AND external_id = ?`,
		source, externalID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check comment: %w", err)
	}
	return count > 0, nil
}

// InsertComment stores a new comment unless one with the same (source,
// external_id) already exists.
func (s *SQLite) InsertComment(ctx context.Context, c *model.Comment) (bool, error) {
	matches, err := marshalMatches(c.Matches)
	if err != nil {
		return false, err
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO comments
		   (external_id, source, content_item_id, parent_comment_id, body, url, author, timestamp, matches, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, external_id) DO NOTHING`,
		c.ExternalID, c.Source, c.ContentItemID, c.ParentCommentID, c.Body, c.URL, c.Author,
		formatTime(c.Timestamp), matches, formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("insert comment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	c.ID = id
	c.CreatedAt = parseTime(formatTime(now))
	return true, nil
}

// ListUnassignedComments returns up to limit comments with no match records,
// each with the vector of its parent item when there is one. The order is the
// same as for items.
func (s *SQLite) ListUnassignedComments(ctx context.Context, limit int) ([]UnassignedComment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.external_id, c.source, c.content_item_id, c.parent_comment_id, c.body, c.url,
		        c.author, c.timestamp, c.matches, c.created_at, i.vector
		 FROM comments c
		 LEFT JOIN content_items i ON i.id = c.content_item_id
		 WHERE c.matches = '[]'
		 ORDER BY c.assign_checked_at IS NOT NULL, c.assign_checked_at, c.id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unassigned comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UnassignedComment
	for rows.Next() {
		var vector sql.NullString
		c, err := scanComment(rows, &vector)
		if err != nil {
			return nil, err
		}
		out = append(out, UnassignedComment{Comment: c, ParentVector: unmarshalVector(vector)})
	}
	return out, rows.Err()
}

// MarkCommentsEvaluated stamps comments that were evaluated without a match.
func (s *SQLite) MarkCommentsEvaluated(ctx context.Context, ids []int64, at time.Time) error {
	return s.markEvaluated(ctx, "comments", ids, at)
}

// SetCommentMatches writes the match list of a comment if it is still empty.
func (s *SQLite) SetCommentMatches(ctx context.Context, id int64, matches []model.Match) (bool, error) {
	return s.setMatches(ctx, "comments", id, matches)
}

// ListMatchedComments returns comments created after createdAfter whose match
// records include any of keywords, compared case-insensitively.
func (s *SQLite) ListMatchedComments(ctx context.Context, keywords []string, createdAfter time.Time) ([]model.Comment, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	query, args, err := matchedQuery(commentColumns, "comments", keywords, createdAfter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query matched comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var comments []model.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// setMatches is a conditional write: a non-empty match list is never replaced.
func (s *SQLite) setMatches(ctx context.Context, table string, id int64, matches []model.Match) (bool, error) {
	if len(matches) == 0 {
		return false, nil
	}
	raw, err := marshalMatches(matches)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET matches = ? WHERE id = ? AND matches = '[]'`, raw, id,
	)
	if err != nil {
		return false, fmt.Errorf("update %s matches: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) markEvaluated(ctx context.Context, table string, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sq.Update(table).
		Set("assign_checked_at", formatTime(at)).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"matches": "[]"}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build %s evaluated update: %w", table, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark %s evaluated: %w", table, err)
	}
	return nil
}

func matchedQuery(columns, table string, keywords []string, createdAfter time.Time) (string, []any, error) {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		lowered = append(lowered, strings.ToLower(k))
	}
	sub, subArgs, err := sq.Select("1").
		From("json_each(t.matches) m").
		Where(sq.Eq{"lower(json_extract(m.value, '$.keyword'))": lowered}).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build match subquery: %w", err)
	}
	query, args, err := sq.Select(qualify("t", columns)).
		From(table+" t").
		Where(sq.Gt{"t.created_at": formatTime(createdAfter)}).
		Where("EXISTS ("+sub+")", subArgs...).
		OrderBy("t.id").
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build matched query: %w", err)
	}
	return query, args, nil
}

func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanUser(row scannable) (model.User, error) {
	var u model.User
	var lastNotified sql.NullString
	var created string
	err := row.Scan(&u.ID, &u.Name, &u.Recipient, &lastNotified, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, fmt.Errorf("scan user: %w", err)
	}
	u.LastNotifiedAt = parseNullTime(lastNotified)
	u.CreatedAt = parseTime(created)
	return u, nil
}

func scanKeyword(row scannable) (model.Keyword, error) {
	var k model.Keyword
	var exprType, sources, created string
	var lastCrawled sql.NullString
	err := row.Scan(&k.ID, &k.UserID, &k.Pattern, &exprType, &sources, &lastCrawled, &created)
	if err != nil {
		return k, fmt.Errorf("scan keyword: %w", err)
	}
	k.ExpressionType = model.ExpressionType(exprType)
	if err := json.Unmarshal([]byte(sources), &k.Sources); err != nil {
		return k, fmt.Errorf("decode keyword sources: %w", err)
	}
	if len(k.Sources) == 0 {
		k.Sources = nil
	}
	k.LastCrawled = parseNullTime(lastCrawled)
	k.CreatedAt = parseTime(created)
	return k, nil
}

func scanItem(row scannable) (model.ContentItem, error) {
	var it model.ContentItem
	var ts, matches, created string
	var vector, lastChecked sql.NullString
	err := row.Scan(&it.ID, &it.ExternalID, &it.Source, &it.Title, &it.Body, &it.URL, &it.Author,
		&ts, &vector, &matches, &lastChecked, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, fmt.Errorf("scan content item: %w", err)
	}
	it.Timestamp = parseTime(ts)
	it.Vector = unmarshalVector(vector)
	if it.Matches, err = unmarshalMatches(matches); err != nil {
		return it, err
	}
	it.LastCheckedAt = parseNullTime(lastChecked)
	it.CreatedAt = parseTime(created)
	return it, nil
}

func scanItems(rows *sql.Rows) ([]model.ContentItem, error) {
	var items []model.ContentItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanComment(row scannable, extra ...any) (model.Comment, error) {
	var c model.Comment
	var itemID sql.NullInt64
	var ts, matches, created string
	dest := []any{&c.ID, &c.ExternalID, &c.Source, &itemID, &c.ParentCommentID, &c.Body, &c.URL,
		&c.Author, &ts, &matches, &created}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return c, fmt.Errorf("scan comment: %w", err)
	}
	if itemID.Valid {
		id := itemID.Int64
		c.ContentItemID = &id
	}
	c.Timestamp = parseTime(ts)
	var err error
	if c.Matches, err = unmarshalMatches(matches); err != nil {
		return c, err
	}
	c.CreatedAt = parseTime(created)
	return c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func marshalVector(v []float64) (*string, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal vector: %w", err)
	}
	s := string(b)
	return &s, nil
}

func unmarshalVector(s sql.NullString) []float64 {
	if !s.Valid || s.String == "" {
		return nil
	}
	var v []float64
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil
	}
	return v
}

func marshalMatches(m []model.Match) (string, error) {
	if len(m) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal matches: %w", err)
	}
	return string(b), nil
}

func unmarshalMatches(s string) ([]model.Match, error) {
	var m []model.Match
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode matches: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
