package geofence

import (
	"fmt"
	"io"
	"os"

	"github.com/cuemby/perimeter/pkg/geo"
	"github.com/cuemby/perimeter/pkg/types"
	"gopkg.in/yaml.v3"
)

// Manifest is the YAML document accepted by `perimeter apply -f`
//
//	apiVersion: perimeter/v1
//	kind: GeofenceSet
//	geofences:
//	  - code: HQ
//	    name: Headquarters
//	    centerLat: 25.650648
//	    centerLon: -100.373529
//	    radiusM: 15
type Manifest struct {
	APIVersion string          `yaml:"apiVersion"`
	Kind       string          `yaml:"kind"`
	Prune      bool            `yaml:"prune"` // delete stored geofences missing from the manifest
	Geofences  []ManifestEntry `yaml:"geofences"`
}

// ManifestEntry is one geofence. Active defaults to true when omitted.
type ManifestEntry struct {
	Code      string  `yaml:"code"`
	Name      string  `yaml:"name"`
	CenterLat float64 `yaml:"centerLat"`
	CenterLon float64 `yaml:"centerLon"`
	RadiusM   float64 `yaml:"radiusM"`
	Active    *bool   `yaml:"active,omitempty"`
}

const (
	ManifestAPIVersion = "perimeter/v1"
	ManifestKind       = "GeofenceSet"
)

// ParseManifest decodes and validates a manifest
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if m.APIVersion != "" && m.APIVersion != ManifestAPIVersion {
		return nil, fmt.Errorf("unsupported apiVersion %q (want %s)", m.APIVersion, ManifestAPIVersion)
	}
	if m.Kind != "" && m.Kind != ManifestKind {
		return nil, fmt.Errorf("unsupported kind %q (want %s)", m.Kind, ManifestKind)
	}

	seen := make(map[string]bool, len(m.Geofences))
	for i, entry := range m.Geofences {
		if seen[entry.Code] {
			return nil, fmt.Errorf("geofence %d: duplicate code %q", i, entry.Code)
		}
		seen[entry.Code] = true
		if err := geo.ValidateGeofence(entry.Definition()); err != nil {
			return nil, fmt.Errorf("geofence %d (%s): %w", i, entry.Code, err)
		}
	}
	return &m, nil
}

// LoadManifest reads a manifest file
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

// Definition converts the entry to the stored form
func (e ManifestEntry) Definition() *types.GeofenceDefinition {
	active := true
	if e.Active != nil {
		active = *e.Active
	}
	return &types.GeofenceDefinition{
		Code:      e.Code,
		Name:      e.Name,
		CenterLat: e.CenterLat,
		CenterLon: e.CenterLon,
		RadiusM:   e.RadiusM,
		Active:    active,
	}
}

// Definitions converts every entry
func (m *Manifest) Definitions() []*types.GeofenceDefinition {
	defs := make([]*types.GeofenceDefinition, 0, len(m.Geofences))
	for _, entry := range m.Geofences {
		defs = append(defs, entry.Definition())
	}
	return defs
}
