package points

import "slices"

// Principal is the authenticated caller. The engine never authenticates;
// it trusts the (UserID, Role) pair it is handed and only checks roles.
type Principal struct {
	UserID UserID
	Role   Role
}

func (p Principal) IsZero() bool { return p.UserID == "" }

// Is reports whether the principal acts as the given user.
func (p Principal) Is(id UserID) bool { return p.UserID == id }

// Authorize fails with *ForbiddenError unless p holds one of roles.
// An empty roles list only requires an authenticated principal.
func Authorize(p Principal, action string, roles ...Role) error {
	if p.IsZero() || !p.Role.Valid() {
		return &ForbiddenError{Action: action}
	}
	if len(roles) == 0 || slices.Contains(roles, p.Role) {
		return nil
	}
	return &ForbiddenError{Role: p.Role, Action: action}
}

// authorizeSelfOrStaff lets tutors and admins act on anyone and students
// only on themselves.
func authorizeSelfOrStaff(p Principal, action string, subject UserID) error {
	if err := Authorize(p, action); err != nil {
		return err
	}
	if p.Role == RoleStudent && !p.Is(subject) {
		return &ForbiddenError{Role: p.Role, Action: action}
	}
	return nil
}
