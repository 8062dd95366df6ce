// Package config loads the karen runtime configuration from a JSON or YAML
// file, fills defaults and resolves relative directories against the file's
// location. Secrets may be supplied indirectly through environment
// variables named by the *_env fields.
package config
