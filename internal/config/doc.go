// Package config handles configuration loading, parsing, and validation
// from environment variables and an optional YAML file. It provides typed
// access to pipeline, fetch, and server settings while keeping configuration
// details out of the components that use them.
package config
