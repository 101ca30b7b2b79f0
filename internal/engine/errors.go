package engine

import "fmt"

// SubCodes carried by business-rule errors. The API layer surfaces them
// verbatim in the error envelope.
const (
	SubCodeTaskAlreadyLocked     = "TaskAlreadyLocked"
	SubCodeLockedByAnotherUser   = "LockedByAnotherUser"
	SubCodeTaskNotLocked         = "TaskNotLocked"
	SubCodeInvalidTaskState      = "InvalidTaskState"
	SubCodeInvalidUnlockState    = "InvalidUnlockState"
	SubCodeUserAlreadyHasLocked  = "UserAlreadyHasTaskLocked"
	SubCodeProjectNotPublished   = "ProjectNotPublished"
	SubCodeUserNotOnAllowedList  = "UserNotOnAllowedList"
	SubCodeUserNotCorrectLevel   = "UserNotCorrectMappingLevel"
	SubCodeUserNotValidator      = "UserNotValidator"
	SubCodeUserPermissionError   = "UserPermissionError"
	SubCodeUndoPermissionError   = "UndoPermissionError"
	SubCodeTaskNotSquare         = "TaskNotSquare"
	SubCodeSmallToSplit          = "SmallToSplit"
	SubCodeProjectHasMappedTasks = "ProjectHasMappedTasks"
)

// MappingServiceError is a business-rule violation in a mapping operation.
type MappingServiceError struct {
	SubCode string
	Message string
}

func (e MappingServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.SubCode, e.Message)
}

// ValidatorServiceError is a business-rule violation in a validation
// operation.
type ValidatorServiceError struct {
	SubCode string
	Message string
}

func (e ValidatorServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.SubCode, e.Message)
}

// SplitServiceError is a business-rule violation in a split operation.
type SplitServiceError struct {
	SubCode string
	Message string
}

func (e SplitServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.SubCode, e.Message)
}

// UserLicenseError means the user has not accepted the project's imagery
// license. It is distinct from a permission failure: the caller can resolve
// it by obtaining consent, so the API maps it to 409 rather than 403.
type UserLicenseError struct {
	LicenseID int64
}

func (e UserLicenseError) Error() string {
	return fmt.Sprintf("user has not accepted license %d", e.LicenseID)
}

func mappingErr(subCode, format string, args ...any) MappingServiceError {
	return MappingServiceError{SubCode: subCode, Message: fmt.Sprintf(format, args...)}
}

func validatorErr(subCode, format string, args ...any) ValidatorServiceError {
	return ValidatorServiceError{SubCode: subCode, Message: fmt.Sprintf(format, args...)}
}
