// Package storage builds the artifact StorageProvider selected by config.
package storage

import "renderfarm/internal/ports"

// Provider is ports.StorageProvider, aliased to keep call-sites short.
type Provider = ports.StorageProvider
