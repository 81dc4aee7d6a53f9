package models

import (
	"strings"
	"time"
)

// AssetStatus tracks where a media asset sits in the transcode lifecycle.
// Transitions are monotonic: pending -> processing -> ready | failed. Ready
// and failed are terminal; a fresh upload creates a fresh asset.
type AssetStatus string

const (
	AssetStatusPending    AssetStatus = "pending"
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusReady      AssetStatus = "ready"
	AssetStatusFailed     AssetStatus = "failed"
)

// CanTransitionTo reports whether moving to the provided status respects the
// monotonic lifecycle.
func (s AssetStatus) CanTransitionTo(next AssetStatus) bool {
	switch s {
	case AssetStatusPending:
		return next == AssetStatusProcessing || next == AssetStatusFailed
	case AssetStatusProcessing:
		return next == AssetStatusReady || next == AssetStatusFailed
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s AssetStatus) Terminal() bool {
	return s == AssetStatusReady || s == AssetStatusFailed
}

// MediaAsset is one uploaded lesson video. The asset ID equals the owning
// lesson's ID. RawInputPath points at the original upload until the transcode
// succeeds, after which it is cleared and OutputManifestPath is set.
type MediaAsset struct {
	ID                 string      `json:"id"`
	CourseID           string      `json:"courseId"`
	Title              string      `json:"title"`
	Filename           string      `json:"filename"`
	SizeBytes          int64       `json:"sizeBytes"`
	Status             AssetStatus `json:"status"`
	Preview            bool        `json:"preview"`
	RawInputPath       string      `json:"rawInputPath,omitempty"`
	OutputManifestPath string      `json:"outputManifestPath,omitempty"`
	ErrorMessage       string      `json:"errorMessage,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
	CompletedAt        *time.Time  `json:"completedAt,omitempty"`
}

type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email"`
	Roles        []string  `json:"roles"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasRole reports whether the user has the provided role, ignoring case.
func (u User) HasRole(role string) bool {
	for _, existing := range u.Roles {
		if strings.EqualFold(existing, role) {
			return true
		}
	}
	return false
}

// EnrollmentStatus mirrors the payment bookkeeping owned by the surrounding
// platform. Only active, completed enrollments grant playback.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusCancelled EnrollmentStatus = "cancelled"
)

type Enrollment struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	CourseID  string           `json:"courseId"`
	Status    EnrollmentStatus `json:"status"`
	Completed bool             `json:"completed"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Grants reports whether the enrollment entitles its user to course playback.
func (e Enrollment) Grants() bool {
	return e.Status == EnrollmentStatusActive && e.Completed
}
