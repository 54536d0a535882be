// Package common provides small shared types used across basalt's packages:
// target-platform identifiers and host-path aliases. Anything specific to a
// single component (recipes, sandbox binds, installed records) lives in that
// component's own package instead of here.
package common

// HostPath represents a path on the host filesystem.
type HostPath = string

// PkgRef represents a package reference string, typically "name-version" or
// "name-version:variant".
type PkgRef = string
