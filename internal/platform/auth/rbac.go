package auth

import (
	"errors"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleAdmin               = "admin"
	RoleComplianceOfficer   = "compliance_officer"
	RoleSurveillanceAnalyst = "surveillance_analyst"
	RoleOperationsHead      = "operations_head"
	RoleAuditor             = "auditor"
)

type Permission string

const (
	PermissionRead           Permission = "read"
	PermissionExecuteControl Permission = "execute_control"
	PermissionManageControls Permission = "manage_controls"
	PermissionManageDatasets Permission = "manage_datasets"
)

var permissionRoles = map[Permission]mapset.Set[string]{
	PermissionRead: mapset.NewSet(
		RoleAdmin, RoleComplianceOfficer, RoleSurveillanceAnalyst, RoleOperationsHead, RoleAuditor,
	),
	PermissionExecuteControl: mapset.NewSet(
		RoleAdmin, RoleComplianceOfficer, RoleSurveillanceAnalyst, RoleOperationsHead,
	),
	PermissionManageControls: mapset.NewSet(RoleAdmin, RoleComplianceOfficer),
	PermissionManageDatasets: mapset.NewSet(RoleAdmin, RoleComplianceOfficer, RoleOperationsHead),
}

func IsKnownRole(role string) bool {
	return permissionRoles[PermissionRead].Contains(strings.ToLower(strings.TrimSpace(role)))
}

func HasPermission(roles []string, perm Permission) bool {
	allowed, ok := permissionRoles[perm]
	if !ok {
		return false
	}
	for _, role := range roles {
		if allowed.Contains(strings.ToLower(strings.TrimSpace(role))) {
			return true
		}
	}
	return false
}

func Require(identity Identity, perm Permission) error {
	if HasPermission(identity.Roles, perm) {
		return nil
	}
	return ErrForbidden
}
