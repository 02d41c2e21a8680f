package users

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Role is the static authorization tag carried by every user.
type Role string

const (
	RoleStudent Role = "student"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
)

// SocialProviderGoogle is the provider label stored for Google-federated identities.
const SocialProviderGoogle = "Google"

// Valid reports whether the role is one of the recognised tags.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleStaff, RoleAdmin:
		return true
	default:
		return false
	}
}

// User is the principal record. Email is always stored lowercase.
type User struct {
	UserID            string     `gorm:"column:user_id;primaryKey;size:64;not null"`
	Email             string     `gorm:"column:email;size:120;not null;uniqueIndex:idx_users_email"`
	Username          *string    `gorm:"column:username;size:100;uniqueIndex:idx_users_username"`
	PasswordHash      *string    `gorm:"column:password_hash;size:255"`
	Name              string     `gorm:"column:name;size:100;not null"`
	Surname           string     `gorm:"column:surname;size:100;not null"`
	SocialProvider    *string    `gorm:"column:social_provider;size:50"`
	SocialProviderID  *string    `gorm:"column:social_provider_id;size:255;uniqueIndex:idx_users_social_provider_id"`
	ProfilePictureURL *string    `gorm:"column:profile_picture_url;type:text"`
	Role              Role       `gorm:"column:role;size:20;not null;index:idx_users_role;check:chk_users_role,role IN ('student','staff','admin')"`
	IsActive          bool       `gorm:"column:is_active;not null"`
	ConsentGiven      bool       `gorm:"column:consent_given;not null"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null"`
	LastLogin         *time.Time `gorm:"column:last_login"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// BeforeCreate rejects rows whose role is outside the recognised set.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if !u.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, u.Role)
	}
	return nil
}

// HasPassword reports whether a local credential is attached.
func (u User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// Staff extends a user with staff-specific attributes. Removing the user removes the row.
type Staff struct {
	StaffID    string    `gorm:"column:staff_id;primaryKey;size:64;not null"`
	User       *User     `gorm:"foreignKey:StaffID;references:UserID;constraint:OnDelete:CASCADE"`
	Department *string   `gorm:"column:department;size:100;index:idx_staff_department"`
	Feedback   *string   `gorm:"column:feedback;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing staff records.
func (Staff) TableName() string {
	return "staff"
}

// Student extends a user with application and onboarding state.
type Student struct {
	StudentID              string    `gorm:"column:student_id;primaryKey;size:64;not null"`
	User                   *User     `gorm:"foreignKey:StudentID;references:UserID;constraint:OnDelete:CASCADE"`
	Faculty                string    `gorm:"column:faculty;size:100;not null"`
	Course                 string    `gorm:"column:course;size:100;not null;index:idx_student_course"`
	YearOfStudy            *int      `gorm:"column:year_of_study"`
	MedicalProofPath       *string   `gorm:"column:medical_proof_path;size:255"`
	ApplicationStatus      string    `gorm:"column:application_status;size:50;not null;default:Pending"`
	HasCompletedOnboarding bool      `gorm:"column:has_completed_onboarding;not null"`
	Feedback               *string   `gorm:"column:feedback;type:text"`
	CreatedAt              time.Time `gorm:"column:created_at;not null"`
	UpdatedAt              time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing student records.
func (Student) TableName() string {
	return "student"
}

// Models lists every persisted type owned by this package, in migration order.
func Models() []interface{} {
	return []interface{}{&User{}, &Staff{}, &Student{}}
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func stringPointer(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
