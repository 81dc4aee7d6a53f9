package storage

import (
	"context"

	"lectern/internal/models"
)

// Repository exposes the datastore operations required by the streaming
// gateway, the transcode worker, and account management. The transcode
// pipeline never talks to it directly; the worker owns all asset mutations.
type Repository interface {
	Ping(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
	GetUser(id string) (models.User, bool)
	FindUserByEmail(email string) (models.User, bool)

	CreateAsset(params CreateAssetParams) (models.MediaAsset, error)
	GetAsset(id string) (models.MediaAsset, bool)
	ListAssets(courseID string) ([]models.MediaAsset, error)
	DeleteAsset(id string) error

	// MarkAssetProcessing transitions pending -> processing when the worker
	// claims a job. Re-marking an already processing asset is a no-op so queue
	// redeliveries stay idempotent.
	MarkAssetProcessing(id string) (models.MediaAsset, error)
	// MarkAssetReady records the output manifest path, clears the raw input
	// path, and transitions to the terminal ready state.
	MarkAssetReady(id, manifestPath string) (models.MediaAsset, error)
	// MarkAssetFailed records the terminal failure with its error text.
	MarkAssetFailed(id, errorText string) (models.MediaAsset, error)

	CreateEnrollment(params CreateEnrollmentParams) (models.Enrollment, error)
	// HasActiveEnrollment is the authorization oracle: it reports whether the
	// user holds an active, completed enrollment for the course.
	HasActiveEnrollment(userID, courseID string) bool

	Close(ctx context.Context) error
}

// CreateUserParams captures the fields required to register an account.
type CreateUserParams struct {
	Email       string
	DisplayName string
	Password    string
	Roles       []string
}

// CreateAssetParams captures the fields recorded when an upload is accepted.
type CreateAssetParams struct {
	ID           string
	CourseID     string
	Title        string
	Filename     string
	SizeBytes    int64
	Preview      bool
	RawInputPath string
}

// CreateEnrollmentParams ties a viewer to a course.
type CreateEnrollmentParams struct {
	UserID    string
	CourseID  string
	Completed bool
}
