package chat

import "strings"

// User is the signed-in principal.
type User struct {
	ID           string `json:"id"`
	Role         Role   `json:"role"`
	DepartmentID string `json:"department_id,omitempty"`
	Active       bool   `json:"active"`
}

// Member is the profile of one channel member.
type Member struct {
	UserID       string `json:"user_id"`
	Role         Role   `json:"role"`
	DepartmentID string `json:"department_id,omitempty"`
	Active       bool   `json:"active"`
}

// AsMember returns the member view of the user.
func (u User) AsMember() Member {
	return Member{
		UserID:       u.ID,
		Role:         u.Role,
		DepartmentID: u.DepartmentID,
		Active:       u.Active,
	}
}

// SameDepartment reports whether both sides name the same non-empty
// department. Missing department data never matches.
func SameDepartment(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	return a != "" && a == b
}
