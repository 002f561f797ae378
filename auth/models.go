package auth

import "time"

type Role string

const (
	RoleConsultant Role = "consultant"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// CanReview reports whether the role may approve or reject cases under
// review.
func (r Role) CanReview() bool {
	return r == RoleAdmin || r == RoleSuperadmin
}

// CanCountersign reports whether the role may countersign contracts on the
// company's behalf.
func (r Role) CanCountersign() bool {
	return r == RoleSuperadmin
}

// User is the domain representation of an authenticated staff member.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Phone        *string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
