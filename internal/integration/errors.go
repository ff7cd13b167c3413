package integration

import "errors"

// Domain errors for the integration package.
var (
	// ErrIntegrationNotFound is returned when an integration ID does not exist.
	ErrIntegrationNotFound = errors.New("integration: not found")

	// ErrIntegrationExists is returned when an organisation already has an
	// integration with the same name.
	ErrIntegrationExists = errors.New("integration: already exists")

	// ErrInvalidIntegration is returned when field validation fails.
	ErrInvalidIntegration = errors.New("integration: invalid")

	// ErrInvalidType is returned for an unknown integration type.
	ErrInvalidType = errors.New("integration: invalid type")

	// ErrInvalidDirection is returned for an unknown sync direction.
	ErrInvalidDirection = errors.New("integration: invalid sync direction")

	// ErrInvalidStrategy is returned for an unknown conflict strategy.
	ErrInvalidStrategy = errors.New("integration: invalid conflict strategy")

	// ErrInvalidSettings is returned when credentials or settings do not
	// satisfy the schema for the integration type.
	ErrInvalidSettings = errors.New("integration: invalid settings")

	// ErrSealedCredentials is returned when a credential blob cannot be opened.
	ErrSealedCredentials = errors.New("integration: cannot open credentials")
)
