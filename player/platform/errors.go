package platform

import (
	"errors"
	"fmt"
)

// Common platform errors that can be checked with errors.Is.
var (
	// ErrNotFound is returned when a song no longer exists on its platform.
	ErrNotFound = errors.New("platform: resource not found")

	// ErrRateLimited is returned when the platform API rate limit is hit.
	ErrRateLimited = errors.New("platform: rate limit exceeded")

	// ErrUnavailable is returned when content exists but has no playable stream.
	ErrUnavailable = errors.New("platform: content unavailable")

	// ErrUnsupported is returned when a source is unknown or lacks a feature.
	ErrUnsupported = errors.New("platform: feature not supported")

	// ErrAuthRequired is returned when authentication is required but not provided.
	ErrAuthRequired = errors.New("platform: authentication required")
)

// PlatformError wraps an error with the platform and resource that caused it.
type PlatformError struct {
	Platform string
	Resource string
	ID       string
	Err      error
}

// Error implements the error interface.
func (e *PlatformError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Platform, e.Resource, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Platform, e.Resource, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *PlatformError) Unwrap() error {
	return e.Err
}

// NewNotFoundError creates a PlatformError for a resource that was not found.
func NewNotFoundError(platform, resource, id string) error {
	return &PlatformError{Platform: platform, Resource: resource, ID: id, Err: ErrNotFound}
}

// NewRateLimitedError creates a PlatformError for rate limit errors.
func NewRateLimitedError(platform string) error {
	return &PlatformError{Platform: platform, Resource: "api", Err: ErrRateLimited}
}

// NewUnavailableError creates a PlatformError for unavailable content.
func NewUnavailableError(platform, resource, id string) error {
	return &PlatformError{Platform: platform, Resource: resource, ID: id, Err: ErrUnavailable}
}

// NewUnsupportedError creates a PlatformError for unsupported features.
func NewUnsupportedError(platform, feature string) error {
	return &PlatformError{Platform: platform, Resource: feature, Err: ErrUnsupported}
}

// NewAuthRequiredError creates a PlatformError for authentication errors.
func NewAuthRequiredError(platform string) error {
	return &PlatformError{Platform: platform, Resource: "api", Err: ErrAuthRequired}
}

// shouldFallback reports whether the next provider of the same name is worth trying.
func shouldFallback(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrUnsupported) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrAuthRequired)
}
