package engine

import (
	"context"

	"taskgrid/internal/domain"
)

// CanUserMap applies the mapping permission gate. Checks short-circuit in
// order: role, project status, private membership, mapper level, license.
// A license the user has not accepted surfaces as UserLicenseError so the
// caller can distinguish it from an outright denial.
func (e Engine) CanUserMap(ctx context.Context, user domain.User, project domain.Project) error {
	if user.Role == domain.RoleReadOnly {
		return mappingErr(SubCodeUserPermissionError, "user %d is read only", user.ID)
	}
	admin := user.Role == domain.RoleAdmin || user.Role == domain.RoleProjectManager
	if project.Status != domain.ProjectPublished && !admin && user.ID != project.AuthorID {
		return mappingErr(SubCodeProjectNotPublished, "project %d is not published", project.ID)
	}
	if project.Private && !admin {
		allowed, err := e.Repo.IsUserAllowed(ctx, project.ID, user.ID)
		if err != nil {
			return err
		}
		if !allowed {
			member, err := e.Repo.IsTeamMember(ctx, project.ID, user.ID)
			if err != nil {
				return err
			}
			if !member {
				return mappingErr(SubCodeUserNotOnAllowedList, "user %d is not permitted on private project %d", user.ID, project.ID)
			}
		}
	}
	if project.EnforceMapperLevel && !admin && !user.MappingLevel.AtLeast(project.MapperLevel) {
		return mappingErr(SubCodeUserNotCorrectLevel, "project requires %s mappers", project.MapperLevel)
	}
	if project.LicenseID != nil {
		accepted, err := e.Repo.HasAcceptedLicense(ctx, user.ID, *project.LicenseID)
		if err != nil {
			return err
		}
		if !accepted {
			return UserLicenseError{LicenseID: *project.LicenseID}
		}
	}
	return nil
}

// CanUserValidate is the mapping gate plus the validator role requirement.
func (e Engine) CanUserValidate(ctx context.Context, user domain.User, project domain.Project) error {
	if err := e.CanUserMap(ctx, user, project); err != nil {
		if me, ok := err.(MappingServiceError); ok {
			return ValidatorServiceError(me)
		}
		return err
	}
	switch user.Role {
	case domain.RoleValidator, domain.RoleProjectManager, domain.RoleAdmin:
		return nil
	}
	if user.ID == project.AuthorID {
		return nil
	}
	return validatorErr(SubCodeUserNotValidator, "user %d does not have validation rights", user.ID)
}

// CanUserAdminister gates bulk operators, undo on behalf of others, and
// project deletion.
func (e Engine) CanUserAdminister(user domain.User, project domain.Project) error {
	if user.Role == domain.RoleAdmin || user.Role == domain.RoleProjectManager {
		return nil
	}
	if user.ID == project.AuthorID {
		return nil
	}
	return mappingErr(SubCodeUserPermissionError, "user %d cannot administer project %d", user.ID, project.ID)
}
