package feed

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotConfigured   = errors.New("not configured")

	ErrSourceUnavailable    = errors.New("source unavailable")
	ErrExtractionFailed     = errors.New("extraction failed")
	ErrTrackingUnavailable  = errors.New("tracking unavailable")
	ErrConfigurationInvalid = errors.New("configuration invalid")
	ErrGuardContention      = errors.New("prefetch already running")
)
