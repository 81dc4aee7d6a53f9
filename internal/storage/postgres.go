package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lectern/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ApplicationName     string
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists. Shared-state deployments use it so multiple API replicas see
// the same asset lifecycle.
func NewPostgresRepository(cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			roles TEXT[] NOT NULL DEFAULT '{}',
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS media_assets (
			id TEXT PRIMARY KEY,
			course_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL DEFAULT '',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			preview BOOLEAN NOT NULL DEFAULT FALSE,
			raw_input_path TEXT NOT NULL DEFAULT '',
			output_manifest_path TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS media_assets_course_idx ON media_assets (course_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS enrollments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			status TEXT NOT NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS enrollments_user_course_idx ON enrollments (user_id, course_id)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool not configured")
	}
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" {
		return models.User{}, errors.New("email is required")
	}
	if len(params.Password) < 8 {
		return models.User{}, errors.New("password must be at least 8 characters")
	}
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		displayName = email
	}
	hashed, err := hashPassword(params.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:           id,
		Email:        email,
		DisplayName:  displayName,
		Roles:        normalizeRoles(params.Roles),
		PasswordHash: hashed,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = r.pool.Exec(context.Background(), `
INSERT INTO users (id, email, display_name, roles, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, user.ID, user.Email, user.DisplayName, user.Roles, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) AuthenticateUser(email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	user, ok := r.FindUserByEmail(email)
	if !ok || user.PasswordHash == "" {
		return models.User{}, ErrInvalidCredentials
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) GetUser(id string) (models.User, bool) {
	row := r.pool.QueryRow(context.Background(), `
SELECT id, email, display_name, roles, password_hash, created_at
FROM users WHERE id = $1
`, id)
	user, err := scanUser(row)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) FindUserByEmail(email string) (models.User, bool) {
	row := r.pool.QueryRow(context.Background(), `
SELECT id, email, display_name, roles, password_hash, created_at
FROM users WHERE lower(email) = lower($1)
`, strings.TrimSpace(email))
	user, err := scanUser(row)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.Roles, &user.PasswordHash, &user.CreatedAt); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) CreateAsset(params CreateAssetParams) (models.MediaAsset, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		generated, err := generateID()
		if err != nil {
			return models.MediaAsset{}, err
		}
		id = generated
	}
	courseID := strings.TrimSpace(params.CourseID)
	if courseID == "" {
		return models.MediaAsset{}, errors.New("courseId is required")
	}
	now := time.Now().UTC()
	asset := models.MediaAsset{
		ID:           id,
		CourseID:     courseID,
		Title:        strings.TrimSpace(params.Title),
		Filename:     strings.TrimSpace(params.Filename),
		SizeBytes:    params.SizeBytes,
		Status:       models.AssetStatusPending,
		Preview:      params.Preview,
		RawInputPath: strings.TrimSpace(params.RawInputPath),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := r.pool.Exec(context.Background(), `
INSERT INTO media_assets (id, course_id, title, filename, size_bytes, status, preview, raw_input_path, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, asset.ID, asset.CourseID, asset.Title, asset.Filename, asset.SizeBytes, string(asset.Status), asset.Preview, asset.RawInputPath, asset.CreatedAt, asset.UpdatedAt)
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("insert asset: %w", err)
	}
	return asset, nil
}

const assetColumns = `id, course_id, title, filename, size_bytes, status, preview, raw_input_path, output_manifest_path, error_message, created_at, updated_at, completed_at`

func scanAsset(row pgx.Row) (models.MediaAsset, error) {
	var asset models.MediaAsset
	var status string
	if err := row.Scan(&asset.ID, &asset.CourseID, &asset.Title, &asset.Filename, &asset.SizeBytes,
		&status, &asset.Preview, &asset.RawInputPath, &asset.OutputManifestPath, &asset.ErrorMessage,
		&asset.CreatedAt, &asset.UpdatedAt, &asset.CompletedAt); err != nil {
		return models.MediaAsset{}, err
	}
	asset.Status = models.AssetStatus(status)
	return asset, nil
}

func (r *postgresRepository) GetAsset(id string) (models.MediaAsset, bool) {
	row := r.pool.QueryRow(context.Background(),
		`SELECT `+assetColumns+` FROM media_assets WHERE id = $1`, id)
	asset, err := scanAsset(row)
	if err != nil {
		return models.MediaAsset{}, false
	}
	return asset, true
}

func (r *postgresRepository) ListAssets(courseID string) ([]models.MediaAsset, error) {
	ctx := context.Background()
	trimmed := strings.TrimSpace(courseID)
	var (
		rows pgx.Rows
		err  error
	)
	if trimmed == "" {
		rows, err = r.pool.Query(ctx, `SELECT `+assetColumns+` FROM media_assets ORDER BY created_at DESC, id`)
	} else {
		rows, err = r.pool.Query(ctx, `SELECT `+assetColumns+` FROM media_assets WHERE course_id = $1 ORDER BY created_at DESC, id`, trimmed)
	}
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()
	assets := make([]models.MediaAsset, 0)
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func (r *postgresRepository) DeleteAsset(id string) error {
	tag, err := r.pool.Exec(context.Background(), `DELETE FROM media_assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}

func (r *postgresRepository) MarkAssetProcessing(id string) (models.MediaAsset, error) {
	row := r.pool.QueryRow(context.Background(), `
UPDATE media_assets
SET status = 'processing', error_message = '', updated_at = $2
WHERE id = $1 AND status IN ('pending', 'processing')
RETURNING `+assetColumns, id, time.Now().UTC())
	asset, err := scanAsset(row)
	if err != nil {
		if isNoRows(err) {
			return r.transitionFailure(id)
		}
		return models.MediaAsset{}, fmt.Errorf("mark asset processing: %w", err)
	}
	return asset, nil
}

func (r *postgresRepository) MarkAssetReady(id, manifestPath string) (models.MediaAsset, error) {
	trimmed := strings.TrimSpace(manifestPath)
	if trimmed == "" {
		return models.MediaAsset{}, errors.New("manifest path is required")
	}
	row := r.pool.QueryRow(context.Background(), `
UPDATE media_assets
SET status = 'ready', output_manifest_path = $2, raw_input_path = '', error_message = '', updated_at = $3, completed_at = $3
WHERE id = $1 AND status = 'processing'
RETURNING `+assetColumns, id, trimmed, time.Now().UTC())
	asset, err := scanAsset(row)
	if err != nil {
		if isNoRows(err) {
			return r.transitionFailure(id)
		}
		return models.MediaAsset{}, fmt.Errorf("mark asset ready: %w", err)
	}
	return asset, nil
}

func (r *postgresRepository) MarkAssetFailed(id, errorText string) (models.MediaAsset, error) {
	message := strings.TrimSpace(errorText)
	if message == "" {
		message = "transcode failed"
	}
	row := r.pool.QueryRow(context.Background(), `
UPDATE media_assets
SET status = 'failed', error_message = $2, updated_at = $3
WHERE id = $1 AND status IN ('pending', 'processing', 'failed')
RETURNING `+assetColumns, id, message, time.Now().UTC())
	asset, err := scanAsset(row)
	if err != nil {
		if isNoRows(err) {
			return r.transitionFailure(id)
		}
		return models.MediaAsset{}, fmt.Errorf("mark asset failed: %w", err)
	}
	return asset, nil
}

// transitionFailure distinguishes a missing asset from a guarded status
// update that matched no rows.
func (r *postgresRepository) transitionFailure(id string) (models.MediaAsset, error) {
	asset, ok := r.GetAsset(id)
	if !ok {
		return models.MediaAsset{}, ErrAssetNotFound
	}
	return models.MediaAsset{}, fmt.Errorf("%w: asset %s is %s", ErrInvalidTransition, id, asset.Status)
}

func (r *postgresRepository) CreateEnrollment(params CreateEnrollmentParams) (models.Enrollment, error) {
	userID := strings.TrimSpace(params.UserID)
	courseID := strings.TrimSpace(params.CourseID)
	if userID == "" || courseID == "" {
		return models.Enrollment{}, errors.New("userId and courseId are required")
	}
	id, err := generateID()
	if err != nil {
		return models.Enrollment{}, err
	}
	enrollment := models.Enrollment{
		ID:        id,
		UserID:    userID,
		CourseID:  courseID,
		Status:    models.EnrollmentStatusActive,
		Completed: params.Completed,
		CreatedAt: time.Now().UTC(),
	}
	_, err = r.pool.Exec(context.Background(), `
INSERT INTO enrollments (id, user_id, course_id, status, completed, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, enrollment.ID, enrollment.UserID, enrollment.CourseID, string(enrollment.Status), enrollment.Completed, enrollment.CreatedAt)
	if err != nil {
		return models.Enrollment{}, fmt.Errorf("insert enrollment: %w", err)
	}
	return enrollment, nil
}

func (r *postgresRepository) HasActiveEnrollment(userID, courseID string) bool {
	row := r.pool.QueryRow(context.Background(), `
SELECT EXISTS (
	SELECT 1 FROM enrollments
	WHERE user_id = $1 AND course_id = $2 AND status = 'active' AND completed
)`, userID, courseID)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false
	}
	return exists
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
