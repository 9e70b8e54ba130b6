package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Build struct {
	ID          string     `json:"id"`
	BaseRef     string     `json:"base_ref"`
	Status      string     `json:"status"`
	Digest      *string    `json:"digest,omitempty"`
	ImagePath   *string    `json:"image_path,omitempty"`
	SizeBytes   *int64     `json:"size_bytes,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// InsertBuild records the start of a build invocation.
func InsertBuild(ctx context.Context, kilnDB *sql.DB, baseRef string) (*Build, error) {
	buildID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("error generating build uuid: %w", err)
	}
	now := time.Now().Unix()

	query := `
		INSERT INTO builds (id, base_ref, status, started_at)
		VALUES (?, ?, ?, ?)
	`

	_, err = kilnDB.ExecContext(ctx, query, buildID.String(), baseRef, StatusRunning, now)
	if err != nil {
		return nil, err
	}

	return &Build{
		ID:        buildID.String(),
		BaseRef:   baseRef,
		Status:    StatusRunning,
		StartedAt: time.Unix(now, 0),
	}, nil
}

// CompleteBuild marks a build as succeeded and records the published artifact.
func CompleteBuild(ctx context.Context, kilnDB *sql.DB, buildID, digest, imagePath string, sizeBytes int64) error {
	query := `
		UPDATE builds
		SET status = ?, digest = ?, image_path = ?, size_bytes = ?, completed_at = ?
		WHERE id = ?
	`

	_, err := kilnDB.ExecContext(ctx, query, StatusSucceeded, digest, imagePath, sizeBytes, time.Now().Unix(), buildID)
	return err
}

// FailBuild marks a build as failed with the step error. No artifact is
// ever associated with a failed build.
func FailBuild(ctx context.Context, kilnDB *sql.DB, buildID string, buildErr error) error {
	query := `
		UPDATE builds
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	_, err := kilnDB.ExecContext(ctx, query, StatusFailed, buildErr.Error(), time.Now().Unix(), buildID)
	return err
}

// ListBuilds returns the most recent builds, newest first.
func ListBuilds(ctx context.Context, kilnDB *sql.DB, limit int) ([]*Build, error) {
	query := `
		SELECT id, base_ref, status, digest, image_path, size_bytes, error, started_at, completed_at
		FROM builds
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`

	rows, err := kilnDB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		var b Build
		var startedAt int64
		var completedAt sql.NullInt64

		err := rows.Scan(&b.ID, &b.BaseRef, &b.Status, &b.Digest, &b.ImagePath, &b.SizeBytes, &b.Error, &startedAt, &completedAt)
		if err != nil {
			return nil, err
		}

		b.StartedAt = time.Unix(startedAt, 0)
		if completedAt.Valid {
			t := time.Unix(completedAt.Int64, 0)
			b.CompletedAt = &t
		}

		builds = append(builds, &b)
	}

	return builds, rows.Err()
}
