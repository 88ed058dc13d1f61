package config

import "errors"

// Sentinel errors for configuration loading and override application.
var (
	ErrUnknownOverrideKey = errors.New("unknown configuration key")
	ErrInvalidConfig      = errors.New("invalid configuration")
)
