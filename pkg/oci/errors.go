package oci

import "errors"

var (
	// Base resolution errors
	ErrBaseImageUnavailable = errors.New("base image reference cannot be resolved")

	// Package installation errors
	ErrSystemPackageInstall = errors.New("system package installation failed")
	ErrManifestMissing      = errors.New("dependency manifest not found")
	ErrDependencyResolution = errors.New("dependency cannot be resolved")

	// Source staging errors
	ErrSourceCopy = errors.New("source tree copy failed")
)
