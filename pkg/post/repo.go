package post

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pgvector/pgvector-go"

	"onlyone/pkg/scoring"
)

const DefaultCandidateLimit = 5000

var (
	ErrNotFound            = errors.New("post: not found")
	ErrConstraintViolation = errors.New("post: constraint violation")
)

// Schema creates the posts table. The embedding dimension is fixed per
// deployment; inserting a vector of another size fails in the database.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS posts (
	id                TEXT PRIMARY KEY,
	content           TEXT NOT NULL,
	input_type        TEXT NOT NULL,
	scope             TEXT NOT NULL,
	city              TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL DEFAULT '',
	country           TEXT NOT NULL DEFAULT '',
	embedding         vector(%d) NOT NULL,
	match_count       INTEGER NOT NULL CHECK (match_count >= 0),
	percentile        DOUBLE PRECISION NOT NULL CHECK (percentile BETWEEN 0 AND 100),
	tier              TEXT NOT NULL,
	moderation_status TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS posts_scope_created_idx ON posts (moderation_status, scope, created_at DESC);
CREATE INDEX IF NOT EXISTS posts_country_state_city_idx ON posts (LOWER(country), LOWER(state), LOWER(city));
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var postColumns = []string{
	"id", "content", "input_type", "scope", "city", "state", "country",
	"match_count", "percentile", "tier", "created_at",
}

type Repo struct {
	db *sql.DB
}

func NewPostRepo(db *sql.DB) *Repo {
	return &Repo{
		db: db,
	}
}

func (r *Repo) EnsureSchema(ctx context.Context, dimension int) error {
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf(Schema, dimension)); err != nil {
		return fmt.Errorf("post/repo: failed creating schema: %w", err)
	}
	return nil
}

// Insert writes the post in a single statement.
func (r *Repo) Insert(ctx context.Context, p *Post) error {
	loc := p.Location.Normalize()
	query, args, err := psql.Insert("posts").
		Columns("id", "content", "input_type", "scope", "city", "state", "country",
			"embedding", "match_count", "percentile", "tier", "moderation_status", "created_at").
		Values(string(p.Id), p.Content, string(p.InputType), string(p.Scope), loc.City, loc.State, loc.Country,
			pgvector.NewVector(p.Embedding), p.MatchCount, p.Percentile, string(p.Tier), string(p.ModerationStatus), p.Created).
		ToSql()
	if err != nil {
		return fmt.Errorf("post/repo: failed building insert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
			return fmt.Errorf("post/repo: failed inserting post %s: %w: %v", p.Id, ErrConstraintViolation, err)
		}
		return fmt.Errorf("post/repo: failed inserting post %s: %w", p.Id, err)
	}
	return nil
}

// FindCandidates returns the most recent approved posts comparable to q.Ref.
func (r *Repo) FindCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}

	sel := psql.Select("id", "embedding").
		From("posts").
		Where(sq.Eq{"moderation_status": string(StatusApproved)}).
		Where(containment(q.Ref))
	if !q.Since.IsZero() {
		sel = sel.Where(sq.GtOrEq{"created_at": q.Since})
	}
	query, args, err := sel.OrderBy("created_at DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("post/repo: failed building candidate query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("post/repo: failed querying candidates for %s: %w", q.Ref, err)
	}
	defer rows.Close()

	candidates := []Candidate{}
	for rows.Next() {
		var (
			id  string
			vec pgvector.Vector
		)
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("post/repo: could not scan candidate: %w", err)
		}
		candidates = append(candidates, Candidate{Id: PostId(id), Embedding: vec.Slice()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("post/repo: failed iterating candidates: %w", err)
	}
	return candidates, nil
}

// CountApproved counts approved posts comparable to ref, created at or after
// since when it is set.
func (r *Repo) CountApproved(ctx context.Context, ref Ref, since time.Time) (int, error) {
	sel := psql.Select("COUNT(*)").
		From("posts").
		Where(sq.Eq{"moderation_status": string(StatusApproved)}).
		Where(containment(ref))
	if !since.IsZero() {
		sel = sel.Where(sq.GtOrEq{"created_at": since})
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return 0, fmt.Errorf("post/repo: failed building count query: %w", err)
	}

	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("post/repo: failed counting posts for %s: %w", ref, err)
	}
	return n, nil
}

func (r *Repo) GetById(ctx context.Context, id PostId) (*Post, error) {
	query, args, err := psql.Select(postColumns...).
		From("posts").
		Where(sq.Eq{"id": string(id), "moderation_status": string(StatusApproved)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("post/repo: failed building select: %w", err)
	}

	p, err := scanPost(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post/repo: post %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("post/repo: could not scan row: %w", err)
	}
	return p, nil
}

// ListFeed returns approved posts comparable to ref, newest first.
func (r *Repo) ListFeed(ctx context.Context, ref Ref, limit, offset int) ([]*Post, error) {
	query, args, err := psql.Select(postColumns...).
		From("posts").
		Where(sq.Eq{"moderation_status": string(StatusApproved)}).
		Where(containment(ref)).
		OrderBy("created_at DESC", "id").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("post/repo: failed building feed query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("post/repo: failed querying feed for %s: %w", ref, err)
	}
	defer rows.Close()

	posts := []*Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("post/repo: could not scan row: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("post/repo: failed iterating feed: %w", err)
	}
	return posts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPost(row rowScanner) (*Post, error) {
	var (
		p                          Post
		id, inputType, scope, tier string
		city, state, country       string
	)
	err := row.Scan(&id, &p.Content, &inputType, &scope, &city, &state, &country,
		&p.MatchCount, &p.Percentile, &tier, &p.Created)
	if err != nil {
		return nil, err
	}
	p.Id = PostId(id)
	p.InputType = InputType(inputType)
	p.Scope = Scope(scope)
	p.Location = Location{City: city, State: state, Country: country}
	p.Tier = scoring.Tier(tier)
	p.ModerationStatus = StatusApproved
	return &p, nil
}

// containment selects the posts comparable to a search at ref: posts whose
// own scope is ref's scope or narrower, located inside ref's location.
// A city search only sees city posts of that city; a world search sees all.
func containment(ref Ref) sq.Sqlizer {
	within := ref.Scope.Within()
	scopes := make([]string, len(within))
	for i, s := range within {
		scopes[i] = string(s)
	}

	cond := sq.And{sq.Eq{"scope": scopes}}
	lvl := ref.Scope.level()
	if lvl <= 0 {
		cond = append(cond, lowerEq("city", ref.Location.City))
	}
	if lvl <= 1 {
		cond = append(cond, lowerEq("state", ref.Location.State))
	}
	if lvl <= 2 {
		cond = append(cond, lowerEq("country", ref.Location.Country))
	}
	return cond
}

func lowerEq(column, value string) sq.Sqlizer {
	return sq.Expr("LOWER("+column+") = ?", strings.ToLower(value))
}
