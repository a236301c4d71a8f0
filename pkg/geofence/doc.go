// Package geofence keeps the active geofence set in memory with a refresh TTL
// and parses the YAML manifests applied by administrators.
package geofence
