package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"storyflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx. Reads
// that must also run inside the executor's transaction take a Querier.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// --- ideas ---

func (r Repo) InsertIdea(ctx context.Context, tx *sql.Tx, idea domain.Idea) (int64, error) {
	if idea.ID != 0 {
		_, err := tx.ExecContext(ctx, `INSERT INTO ideas(id,title,description,priority,submitted_by,script_owner,created_at) VALUES (?,?,?,?,?,?,?)`,
			idea.ID, idea.Title, nullable(idea.Description), nullableIntPtr(idea.Priority), idea.SubmittedBy, nullableStringPtr(idea.ScriptOwner), idea.CreatedAt)
		return idea.ID, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO ideas(title,description,priority,submitted_by,script_owner,created_at) VALUES (?,?,?,?,?,?)`,
		idea.Title, nullable(idea.Description), nullableIntPtr(idea.Priority), idea.SubmittedBy, nullableStringPtr(idea.ScriptOwner), idea.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanIdea(row *sql.Row) (domain.Idea, error) {
	var i domain.Idea
	var desc, owner sql.NullString
	var priority sql.NullInt64
	err := row.Scan(&i.ID, &i.Title, &desc, &priority, &i.SubmittedBy, &owner, &i.CreatedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	if desc.Valid {
		i.Description = desc.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		i.Priority = &p
	}
	if owner.Valid {
		i.ScriptOwner = &owner.String
	}
	return i, nil
}

const ideaColumns = `id,title,description,priority,submitted_by,script_owner,created_at`

func (r Repo) GetIdea(ctx context.Context, q Querier, id int64) (domain.Idea, error) {
	return scanIdea(q.QueryRowContext(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE id=?`, id))
}

func (r Repo) SetScriptOwner(ctx context.Context, tx *sql.Tx, ideaID int64, owner string) error {
	res, err := tx.ExecContext(ctx, `UPDATE ideas SET script_owner=? WHERE id=?`, nullable(owner), ideaID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type IdeaFilters struct {
	SubmittedBy     string
	ScriptOwner     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListIdeas(ctx context.Context, f IdeaFilters) ([]domain.Idea, error) {
	var clauses []string
	var args []any
	if f.SubmittedBy != "" {
		clauses = append(clauses, "submitted_by=?")
		args = append(args, f.SubmittedBy)
	}
	if f.ScriptOwner != "" {
		clauses = append(clauses, "script_owner=?")
		args = append(args, f.ScriptOwner)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + ideaColumns + ` FROM ideas ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Idea
	for rows.Next() {
		var i domain.Idea
		var desc, owner sql.NullString
		var priority sql.NullInt64
		if err := rows.Scan(&i.ID, &i.Title, &desc, &priority, &i.SubmittedBy, &owner, &i.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			i.Description = desc.String
		}
		if priority.Valid {
			p := int(priority.Int64)
			i.Priority = &p
		}
		if owner.Valid {
			i.ScriptOwner = &owner.String
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

// --- content ---

func (r Repo) InsertContent(ctx context.Context, tx *sql.Tx, c domain.Content) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO content(idea_id,script,script_complete,created_by,created_at) VALUES (?,?,?,?,?)`,
		c.IdeaID, nullable(c.Script), boolToInt(c.ScriptComplete), c.CreatedBy, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanContent(row *sql.Row) (domain.Content, error) {
	var c domain.Content
	var script sql.NullString
	var complete int
	err := row.Scan(&c.ID, &c.IdeaID, &script, &complete, &c.CreatedBy, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if script.Valid {
		c.Script = script.String
	}
	c.ScriptComplete = complete != 0
	return c, nil
}

const contentColumns = `id,idea_id,script,script_complete,created_by,created_at`

func (r Repo) GetContent(ctx context.Context, q Querier, id int64) (domain.Content, error) {
	return scanContent(q.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content WHERE id=?`, id))
}

func (r Repo) GetContentByIdea(ctx context.Context, q Querier, ideaID int64) (domain.Content, error) {
	return scanContent(q.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content WHERE idea_id=?`, ideaID))
}

func (r Repo) SetScriptComplete(ctx context.Context, tx *sql.Tx, contentID int64, complete bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE content SET script_complete=? WHERE id=?`, boolToInt(complete), contentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- production ---

func (r Repo) InsertProduction(ctx context.Context, tx *sql.Tx, p domain.Production) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO production(content_id,notes,completed,created_by,created_at) VALUES (?,?,?,?,?)`,
		p.ContentID, nullable(p.Notes), boolToInt(p.Completed), p.CreatedBy, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanProduction(row *sql.Row) (domain.Production, error) {
	var p domain.Production
	var notes sql.NullString
	var completed int
	err := row.Scan(&p.ID, &p.ContentID, &notes, &completed, &p.CreatedBy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if notes.Valid {
		p.Notes = notes.String
	}
	p.Completed = completed != 0
	return p, nil
}

const productionColumns = `id,content_id,notes,completed,created_by,created_at`

func (r Repo) GetProductionByContent(ctx context.Context, q Querier, contentID int64) (domain.Production, error) {
	return scanProduction(q.QueryRowContext(ctx, `SELECT `+productionColumns+` FROM production WHERE content_id=?`, contentID))
}

func (r Repo) SetProductionCompleted(ctx context.Context, tx *sql.Tx, productionID int64, completed bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE production SET completed=? WHERE id=?`, boolToInt(completed), productionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- social media ---

func (r Repo) InsertSocialPost(ctx context.Context, tx *sql.Tx, s domain.SocialPost) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO social_media(content_id,platform,published,published_at,created_by,created_at) VALUES (?,?,?,?,?,?)`,
		s.ContentID, nullable(s.Platform), boolToInt(s.Published), nullableStringPtr(s.PublishedAt), s.CreatedBy, s.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanSocialPost(row *sql.Row) (domain.SocialPost, error) {
	var s domain.SocialPost
	var platform, publishedAt sql.NullString
	var published int
	err := row.Scan(&s.ID, &s.ContentID, &platform, &published, &publishedAt, &s.CreatedBy, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if platform.Valid {
		s.Platform = platform.String
	}
	if publishedAt.Valid {
		s.PublishedAt = &publishedAt.String
	}
	s.Published = published != 0
	return s, nil
}

const socialColumns = `id,content_id,platform,published,published_at,created_by,created_at`

func (r Repo) GetSocialPostByContent(ctx context.Context, q Querier, contentID int64) (domain.SocialPost, error) {
	return scanSocialPost(q.QueryRowContext(ctx, `SELECT `+socialColumns+` FROM social_media WHERE content_id=?`, contentID))
}

func (r Repo) MarkSocialPublished(ctx context.Context, tx *sql.Tx, socialID int64, publishedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE social_media SET published=1, published_at=? WHERE id=?`, publishedAt, socialID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- integrity ---

// OrphanRow is a child row whose parent is missing: written out of band by
// something that bypassed the foreign-key chain.
type OrphanRow struct {
	Table    string `json:"table"`
	RowID    int64  `json:"row_id"`
	ParentID int64  `json:"parent_id"`
}

// FindOrphans scans for production/social rows with dangling parents.
func (r Repo) FindOrphans(ctx context.Context) ([]OrphanRow, error) {
	var orphans []OrphanRow
	collect := func(query, table string) error {
		rows, err := r.DB.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			o := OrphanRow{Table: table}
			if err := rows.Scan(&o.RowID, &o.ParentID); err != nil {
				return err
			}
			orphans = append(orphans, o)
		}
		return rows.Err()
	}
	if err := collect(`SELECT p.id, p.content_id FROM production p LEFT JOIN content c ON c.id=p.content_id WHERE c.id IS NULL`, "production"); err != nil {
		return nil, err
	}
	if err := collect(`SELECT s.id, s.content_id FROM social_media s LEFT JOIN content c ON c.id=s.content_id WHERE c.id IS NULL`, "social_media"); err != nil {
		return nil, err
	}
	if err := collect(`SELECT s.id, s.content_id FROM social_media s LEFT JOIN production p ON p.content_id=s.content_id WHERE p.id IS NULL AND EXISTS (SELECT 1 FROM content c WHERE c.id=s.content_id)`, "social_media_skipped_production"); err != nil {
		return nil, err
	}
	return orphans, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
