// Package rbac provides access-level based permission checks.
package rbac

import (
	"errors"
	"fmt"

	"github.com/NicolasHaas/seawire/pkg/model"
)

var ErrPermissionDenied = errors.New("permission denied")

// Permission represents a specific action that can be checked against an access level.
type Permission int

const (
	PermLogin Permission = iota
	PermOpenSocket
	PermCreateContent
	PermModerate
	PermManageUsers
	PermManageSettings
)

// minimumLevel maps each permission to the lowest access level allowed to perform it.
var minimumLevel = map[Permission]model.AccessLevel{
	PermLogin:          model.AccessQuarantined,
	PermOpenSocket:     model.AccessQuarantined,
	PermCreateContent:  model.AccessVerified,
	PermModerate:       model.AccessModerator,
	PermManageUsers:    model.AccessStaff,
	PermManageSettings: model.AccessAdmin,
}

// HasPermission reports whether level reaches min.
// Banned users have no permissions at all.
func HasPermission(level, min model.AccessLevel) bool {
	return level != model.AccessBanned && level.AtLeast(min)
}

// Allowed checks a permission against an access level.
func Allowed(level model.AccessLevel, perm Permission) bool {
	min, ok := minimumLevel[perm]
	if !ok {
		return false
	}
	return HasPermission(level, min)
}

// RequirePermission returns an error wrapping ErrPermissionDenied if the level lacks the permission.
func RequirePermission(level model.AccessLevel, perm Permission) error {
	if Allowed(level, perm) {
		return nil
	}
	return fmt.Errorf("%w: %s requires higher access level than %s", ErrPermissionDenied, permName(perm), level)
}

func permName(p Permission) string {
	switch p {
	case PermLogin:
		return "login"
	case PermOpenSocket:
		return "open_socket"
	case PermCreateContent:
		return "create_content"
	case PermModerate:
		return "moderate"
	case PermManageUsers:
		return "manage_users"
	case PermManageSettings:
		return "manage_settings"
	default:
		return "unknown"
	}
}
