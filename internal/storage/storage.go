package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"lectern/internal/models"
)

type dataset struct {
	Users       map[string]models.User       `json:"users"`
	Assets      map[string]models.MediaAsset `json:"assets"`
	Enrollments map[string]models.Enrollment `json:"enrollments"`
}

// Storage is the JSON-file-backed Repository used for local deployments and
// tests. Every mutation clones the dataset, persists it atomically, and only
// then swaps the in-memory copy.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// Option mutates storage configuration.
type Option func(*Storage)

func newDataset() dataset {
	return dataset{
		Users:       make(map[string]models.User),
		Assets:      make(map[string]models.MediaAsset),
		Enrollments: make(map[string]models.Enrollment),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	if s.data.Assets == nil {
		s.data.Assets = make(map[string]models.MediaAsset)
	}
	if s.data.Enrollments == nil {
		s.data.Enrollments = make(map[string]models.Enrollment)
	}
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{filePath: path}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, user := range src.Users {
		cloned := user
		if user.Roles != nil {
			cloned.Roles = append([]string(nil), user.Roles...)
		}
		clone.Users[id] = cloned
	}
	for id, asset := range src.Assets {
		cloned := asset
		if asset.CompletedAt != nil {
			completed := *asset.CompletedAt
			cloned.CompletedAt = &completed
		}
		clone.Assets[id] = cloned
	}
	for id, enrollment := range src.Enrollments {
		clone.Enrollments[id] = enrollment
	}
	return clone
}

// Ping reports readiness; the JSON store is ready once loaded.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close persists nothing extra; mutations are durable as they happen.
func (s *Storage) Close(ctx context.Context) error {
	return nil
}

func normalizeRoles(input []string) []string {
	roles := make([]string, 0, len(input))
	seen := make(map[string]struct{})
	for _, role := range input {
		trimmed := strings.TrimSpace(role)
		if trimmed == "" {
			continue
		}
		normalized := strings.ToLower(trimmed)
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		roles = append(roles, normalized)
	}
	if len(roles) == 0 {
		return nil
	}
	sort.Strings(roles)
	return roles
}

// CreateUser registers an account with a hashed password.
func (s *Storage) CreateUser(params CreateUserParams) (models.User, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Users {
		if strings.EqualFold(existing.Email, email) {
			return models.User{}, fmt.Errorf("email %s is already registered", email)
		}
	}

	user := models.User{
		ID:           id,
		Email:        email,
		DisplayName:  displayName,
		Roles:        normalizeRoles(params.Roles),
		PasswordHash: hashed,
		CreatedAt:    time.Now().UTC(),
	}

	updatedData := cloneDataset(s.data)
	updatedData.Users[id] = user
	if err := s.persistDataset(updatedData); err != nil {
		return models.User{}, err
	}
	s.data = updatedData
	return user, nil
}

// GetUser returns the user with the provided ID.
func (s *Storage) GetUser(id string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	return user, ok
}

// FindUserByEmail returns the user registered under the provided email.
func (s *Storage) FindUserByEmail(email string) (models.User, bool) {
	trimmed := strings.TrimSpace(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.data.Users {
		if strings.EqualFold(user.Email, trimmed) {
			return user, true
		}
	}
	return models.User{}, false
}

// CreateAsset records an accepted upload in the pending state.
func (s *Storage) CreateAsset(params CreateAssetParams) (models.MediaAsset, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Assets[id]; exists {
		return models.MediaAsset{}, fmt.Errorf("asset %s already exists", id)
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

	updatedData := cloneDataset(s.data)
	updatedData.Assets[id] = asset
	if err := s.persistDataset(updatedData); err != nil {
		return models.MediaAsset{}, err
	}
	s.data = updatedData
	return asset, nil
}

// GetAsset returns the asset with the provided ID.
func (s *Storage) GetAsset(id string) (models.MediaAsset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.data.Assets[id]
	return asset, ok
}

// ListAssets returns the assets for a course, newest first. An empty courseID
// lists everything.
func (s *Storage) ListAssets(courseID string) ([]models.MediaAsset, error) {
	trimmed := strings.TrimSpace(courseID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := make([]models.MediaAsset, 0, len(s.data.Assets))
	for _, asset := range s.data.Assets {
		if trimmed != "" && asset.CourseID != trimmed {
			continue
		}
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID < assets[j].ID
		}
		return assets[i].CreatedAt.After(assets[j].CreatedAt)
	})
	return assets, nil
}

// DeleteAsset removes the asset record.
func (s *Storage) DeleteAsset(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Assets[id]; !exists {
		return ErrAssetNotFound
	}
	updatedData := cloneDataset(s.data)
	delete(updatedData.Assets, id)
	if err := s.persistDataset(updatedData); err != nil {
		return err
	}
	s.data = updatedData
	return nil
}

// MarkAssetProcessing transitions pending -> processing.
func (s *Storage) MarkAssetProcessing(id string) (models.MediaAsset, error) {
	return s.updateAssetStatus(id, func(asset *models.MediaAsset) error {
		if asset.Status == models.AssetStatusProcessing {
			return nil
		}
		if !asset.Status.CanTransitionTo(models.AssetStatusProcessing) {
			return fmt.Errorf("%w: %s -> processing", ErrInvalidTransition, asset.Status)
		}
		asset.Status = models.AssetStatusProcessing
		asset.ErrorMessage = ""
		return nil
	})
}

// MarkAssetReady transitions processing -> ready, records the manifest, and
// clears the raw input path.
func (s *Storage) MarkAssetReady(id, manifestPath string) (models.MediaAsset, error) {
	trimmed := strings.TrimSpace(manifestPath)
	if trimmed == "" {
		return models.MediaAsset{}, errors.New("manifest path is required")
	}
	return s.updateAssetStatus(id, func(asset *models.MediaAsset) error {
		if !asset.Status.CanTransitionTo(models.AssetStatusReady) {
			return fmt.Errorf("%w: %s -> ready", ErrInvalidTransition, asset.Status)
		}
		now := time.Now().UTC()
		asset.Status = models.AssetStatusReady
		asset.OutputManifestPath = trimmed
		asset.RawInputPath = ""
		asset.ErrorMessage = ""
		asset.CompletedAt = &now
		return nil
	})
}

// MarkAssetFailed transitions into the terminal failed state with error text.
func (s *Storage) MarkAssetFailed(id, errorText string) (models.MediaAsset, error) {
	message := strings.TrimSpace(errorText)
	if message == "" {
		message = "transcode failed"
	}
	return s.updateAssetStatus(id, func(asset *models.MediaAsset) error {
		if asset.Status == models.AssetStatusFailed {
			return nil
		}
		if !asset.Status.CanTransitionTo(models.AssetStatusFailed) {
			return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, asset.Status)
		}
		asset.Status = models.AssetStatusFailed
		asset.ErrorMessage = message
		return nil
	})
}

func (s *Storage) updateAssetStatus(id string, mutate func(*models.MediaAsset) error) (models.MediaAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.data.Assets[id]
	if !ok {
		return models.MediaAsset{}, ErrAssetNotFound
	}
	if err := mutate(&asset); err != nil {
		return models.MediaAsset{}, err
	}
	asset.UpdatedAt = time.Now().UTC()

	updatedData := cloneDataset(s.data)
	updatedData.Assets[id] = asset
	if err := s.persistDataset(updatedData); err != nil {
		return models.MediaAsset{}, err
	}
	s.data = updatedData
	return asset, nil
}

// CreateEnrollment records an enrollment tying a viewer to a course.
func (s *Storage) CreateEnrollment(params CreateEnrollmentParams) (models.Enrollment, error) {
	userID := strings.TrimSpace(params.UserID)
	courseID := strings.TrimSpace(params.CourseID)
	if userID == "" || courseID == "" {
		return models.Enrollment{}, errors.New("userId and courseId are required")
	}
	id, err := generateID()
	if err != nil {
		return models.Enrollment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	enrollment := models.Enrollment{
		ID:        id,
		UserID:    userID,
		CourseID:  courseID,
		Status:    models.EnrollmentStatusActive,
		Completed: params.Completed,
		CreatedAt: time.Now().UTC(),
	}
	updatedData := cloneDataset(s.data)
	updatedData.Enrollments[id] = enrollment
	if err := s.persistDataset(updatedData); err != nil {
		return models.Enrollment{}, err
	}
	s.data = updatedData
	return enrollment, nil
}

// HasActiveEnrollment reports whether the user holds an active, completed
// enrollment for the course. Evaluated fresh on every call; the gateway never
// caches the answer across requests.
func (s *Storage) HasActiveEnrollment(userID, courseID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, enrollment := range s.data.Enrollments {
		if enrollment.UserID == userID && enrollment.CourseID == courseID && enrollment.Grants() {
			return true
		}
	}
	return false
}
