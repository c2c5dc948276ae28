package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
)

// Postgres реализует репозитории поверх таблиц бэкенда через pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.PostRepo       = (*Postgres)(nil)
	_ domain.MembershipRepo = (*Postgres)(nil)
	_ domain.ProfileRepo    = (*Postgres)(nil)
	_ domain.FollowRepo     = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const selectPosts = `
SELECT p.id, p.user_id, p.content, p.created_at,
       (SELECT count(*) FROM likes l WHERE l.post_id = p.id),
       (SELECT count(*) FROM saved_posts s WHERE s.post_id = p.id),
       u.id, u.username, u.email
FROM posts p
LEFT JOIN users u ON u.id = p.user_id
`

// buildListQuery собирает запрос страницы для фильтра.
func buildListQuery(q domain.PageQuery) (string, []any) {
	var b strings.Builder
	b.WriteString(selectPosts)
	args := make([]any, 0, 3)
	order := "p.created_at DESC, p.id DESC"
	switch q.Scope.Kind {
	case domain.ScopeSaved:
		args = append(args, q.Scope.ViewerID)
		b.WriteString("JOIN saved_posts sp ON sp.post_id = p.id AND sp.user_id = $1\n")
		order = "sp.created_at DESC, p.id DESC"
	case domain.ScopeMine:
		args = append(args, q.Scope.ViewerID)
		b.WriteString("WHERE p.user_id = $1\n")
	case domain.ScopeFollowing:
		authors := q.Scope.AuthorIDs
		if authors == nil {
			authors = []string{}
		}
		args = append(args, authors)
		b.WriteString("WHERE p.user_id = ANY($1::uuid[])\n")
	}
	fmt.Fprintf(&b, "ORDER BY %s\nLIMIT $%d OFFSET $%d", order, len(args)+1, len(args)+2)
	args = append(args, q.Limit, q.Offset)
	return b.String(), args
}

func scanPost(row pgx.Row) (domain.Post, error) {
	var (
		post       domain.Post
		likes      int64
		saves      int64
		authorID   sql.NullString
		authorName sql.NullString
		authorMail sql.NullString
	)
	if err := row.Scan(&post.ID, &post.AuthorID, &post.Content, &post.CreatedAt, &likes, &saves, &authorID, &authorName, &authorMail); err != nil {
		return domain.Post{}, err
	}
	likeCount, saveCount := int(likes), int(saves)
	post.LikeCount = &likeCount
	post.SaveCount = &saveCount
	if authorID.Valid {
		post.Author = &domain.Author{ID: authorID.String, Username: authorName.String, Email: authorMail.String}
	}
	return post, nil
}

// ListPosts реализует domain.PostRepo.
func (p *Postgres) ListPosts(ctx context.Context, q domain.PageQuery) ([]domain.Post, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query, args := buildListQuery(q)
	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "posts_list_"+string(q.Scope.Kind), "posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := make([]domain.Post, 0, q.Limit)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// GetPost реализует domain.PostRepo.
func (p *Postgres) GetPost(ctx context.Context, id string) (domain.Post, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	post, err := scanPost(p.pool.QueryRow(ctx, selectPosts+"WHERE p.id = $1", id))
	metrics.ObserveNetworkRequest("postgres", "posts_get", "posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, domain.ErrNotFound
	}
	return post, err
}

// CreatePost вставляет пост и возвращает его вместе с автором.
func (p *Postgres) CreatePost(ctx context.Context, authorID, content string) (domain.Post, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var id string
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO posts (user_id, content) VALUES ($1, $2)
RETURNING id
`, authorID, content).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "posts_insert", "posts", start, err)
	if err != nil {
		return domain.Post{}, err
	}
	return p.GetPost(ctx, id)
}

// DeletePost удаляет пост автора. Чужой или отсутствующий пост —
// domain.ErrNotFound.
func (p *Postgres) DeletePost(ctx context.Context, id, authorID string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM posts WHERE id=$1 AND user_id=$2`, id, authorID)
	metrics.ObserveNetworkRequest("postgres", "posts_delete", "posts", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func membershipTable(kind domain.MembershipKind) (string, error) {
	switch kind {
	case domain.MembershipLike:
		return domain.TableLikes, nil
	case domain.MembershipSave:
		return domain.TableSavedPosts, nil
	}
	return "", fmt.Errorf("неизвестная отметка %q", kind)
}

// ListMemberships возвращает id постов с отметкой пользователя.
func (p *Postgres) ListMemberships(ctx context.Context, kind domain.MembershipKind, userID string) ([]string, error) {
	table, err := membershipTable(kind)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT post_id FROM `+table+` WHERE user_id=$1`, userID)
	metrics.ObserveNetworkRequest("postgres", table+"_list", table, start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddMembership ставит отметку. Повторная отметка не является ошибкой.
func (p *Postgres) AddMembership(ctx context.Context, kind domain.MembershipKind, userID, postID string) error {
	table, err := membershipTable(kind)
	if err != nil {
		return err
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err = p.pool.Exec(ctx, `INSERT INTO `+table+` (user_id, post_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, postID)
	metrics.ObserveNetworkRequest("postgres", table+"_insert", table, start, err)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return domain.ErrNotFound
	}
	return err
}

// RemoveMembership снимает отметку.
func (p *Postgres) RemoveMembership(ctx context.Context, kind domain.MembershipKind, userID, postID string) error {
	table, err := membershipTable(kind)
	if err != nil {
		return err
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err = p.pool.Exec(ctx, `DELETE FROM `+table+` WHERE user_id=$1 AND post_id=$2`, userID, postID)
	metrics.ObserveNetworkRequest("postgres", table+"_delete", table, start, err)
	return err
}

// GetProfile реализует domain.ProfileRepo.
func (p *Postgres) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		profile  domain.Profile
		username sql.NullString
		avatar   sql.NullString
		bio      sql.NullString
		email    sql.NullString
		created  sql.NullTime
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, username, avatar_url, bio, email, created_at
FROM users WHERE id=$1
`, id).Scan(&profile.ID, &username, &avatar, &bio, &email, &created)
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Profile{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Profile{}, err
	}
	profile.Username = username.String
	profile.AvatarURL = avatar.String
	profile.Bio = bio.String
	profile.Email = email.String
	if created.Valid {
		profile.CreatedAt = created.Time
	}
	return profile, nil
}

// CreateProfile вставляет профиль, если его ещё нет.
func (p *Postgres) CreateProfile(ctx context.Context, profile domain.Profile) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var email any
	if profile.Email != "" {
		email = profile.Email
	}
	createdAt := profile.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO users (id, username, avatar_url, bio, email, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING
`, profile.ID, profile.Username, profile.AvatarURL, profile.Bio, email, createdAt)
	metrics.ObserveNetworkRequest("postgres", "users_insert", "users", start, err)
	return err
}

// UsernameTaken сообщает, занято ли имя пользователя.
func (p *Postgres) UsernameTaken(ctx context.Context, username string) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var taken bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE username=$1)`, username).Scan(&taken)
	metrics.ObserveNetworkRequest("postgres", "users_username_taken", "users", start, err)
	return taken, err
}

// ListFollowing возвращает id авторов, на которых подписан пользователь.
func (p *Postgres) ListFollowing(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT followed_id FROM follows WHERE follower_id=$1`, userID)
	metrics.ObserveNetworkRequest("postgres", "follows_list", "follows", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
