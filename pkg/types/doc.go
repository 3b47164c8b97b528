// Package types defines the shared data structures and backend interfaces
// used across the datacache components.
package types
