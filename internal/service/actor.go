package service

import "strings"

// Actor is the authenticated caller of a service operation.
type Actor struct {
	ID   uint
	Role string
}

// IsStaff reports whether the actor grades work rather than submitting it.
func (a Actor) IsStaff() bool {
	role := strings.ToLower(strings.TrimSpace(a.Role))
	return role == "teacher" || role == "admin"
}

// CanView reports whether the actor may see a submission owned by studentID.
func (a Actor) CanView(studentID uint) bool {
	return a.IsStaff() || (a.ID != 0 && a.ID == studentID)
}
