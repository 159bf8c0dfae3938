package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-moderation-pipeline/internal/models"
)

var (
	// ErrNotFound is returned when no video matches the id.
	ErrNotFound = errors.New("video not found")
	// ErrAlreadyResolved is returned when a status write finds the record no longer pending.
	ErrAlreadyResolved = errors.New("video sensitivity already resolved")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateVideoParams collects inputs required to insert a video.
type CreateVideoParams struct {
	Title        string
	Description  string
	Filename     string
	MediaURL     string
	ThumbnailURL string
	OwnerID      string
}

// CreateVideo inserts a video row in the pending state.
func (s *Store) CreateVideo(ctx context.Context, p CreateVideoParams) (models.Video, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO videos (id, title, description, filename, media_url, thumbnail_url, owner_id, sensitivity_status, views, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)
	`, id, p.Title, p.Description, p.Filename, p.MediaURL, p.ThumbnailURL, p.OwnerID, string(models.StatusPending), now)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}

	return models.Video{
		ID:                id,
		Title:             p.Title,
		Description:       p.Description,
		Filename:          p.Filename,
		MediaURL:          p.MediaURL,
		ThumbnailURL:      p.ThumbnailURL,
		OwnerID:           p.OwnerID,
		SensitivityStatus: models.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

const videoColumns = `id, title, description, filename, media_url, thumbnail_url, owner_id, sensitivity_status, views, created_at, updated_at`

// GetVideo fetches a video by id. A malformed id is reported as not found.
func (s *Store) GetVideo(ctx context.Context, id string) (models.Video, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Video{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, ErrNotFound
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("scan video: %w", err)
	}
	return video, nil
}

// ListVideosParams filters ListVideos. Empty fields match everything.
type ListVideosParams struct {
	OwnerID     string
	Sensitivity models.SensitivityStatus
	Limit       int
}

// ListVideos returns videos newest first.
func (s *Store) ListVideos(ctx context.Context, p ListVideosParams) ([]models.Video, error) {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+videoColumns+` FROM videos
		WHERE ($1 = '' OR owner_id = $1) AND ($2 = '' OR sensitivity_status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, p.OwnerID, string(p.Sensitivity), p.Limit)
	if err != nil {
		return nil, fmt.Errorf("query videos: %w", err)
	}
	defer rows.Close()

	videos := make([]models.Video, 0)
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// SetSensitivity moves a pending video to a terminal status. It is a
// compare-and-swap on the pending state: a record that already left pending
// is never rewritten and ErrAlreadyResolved is returned.
func (s *Store) SetSensitivity(ctx context.Context, id string, status models.SensitivityStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("set sensitivity: %q is not a terminal status", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos SET sensitivity_status = $2, updated_at = NOW()
		WHERE id = $1 AND sensitivity_status = $3
	`, id, string(status), string(models.StatusPending))
	if err != nil {
		return fmt.Errorf("update sensitivity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetVideo(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

// UpdateVideoParams carries editable metadata. Empty fields keep the stored value.
type UpdateVideoParams struct {
	Title       string
	Description string
}

// UpdateVideo edits title and description and returns the updated row.
func (s *Store) UpdateVideo(ctx context.Context, id string, p UpdateVideoParams) (models.Video, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Video{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE videos
		SET title = COALESCE(NULLIF($2, ''), title),
		    description = COALESCE(NULLIF($3, ''), description),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+videoColumns, id, p.Title, p.Description)
	video, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, ErrNotFound
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("update video: %w", err)
	}
	return video, nil
}

// DeleteVideo removes the video row. Its audit trail is kept. A job still
// running for the video discards its verdict when it finds the row gone.
func (s *Store) DeleteVideo(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, videoID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO moderation_audit (video_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, videoID, event, detail)
	return err
}

// AuditTrail returns the audit rows for a video, oldest first.
func (s *Store) AuditTrail(ctx context.Context, videoID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT video_id, event, detail, ts FROM moderation_audit WHERE video_id = $1 ORDER BY ts, id
	`, videoID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	out := make([]models.AuditLog, 0)
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.VideoID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var v models.Video
	var status string
	if err := row.Scan(&v.ID, &v.Title, &v.Description, &v.Filename, &v.MediaURL, &v.ThumbnailURL, &v.OwnerID, &status, &v.Views, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return models.Video{}, err
	}
	v.SensitivityStatus = models.SensitivityStatus(status)
	return v, nil
}
