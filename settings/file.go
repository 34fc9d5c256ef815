package settings

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"micgate/log"
)

var knownKeys = map[string]bool{
	KeyTransmitMethod: true,
	KeyVADBelow:       true,
	KeyVADAbove:       true,
	KeyVADKind:        true,
	KeyPreprocessor:   true,
	KeyQualityKind:    true,
	KeyCodec:          true,
	KeyQualityBitrate: true,
	KeyQualityFrames:  true,
	KeyMicBoost:       true,
}

// Load reads a flat YAML mapping of setting keys to scalar values.
func Load(path string) (Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("settings: open %q: %w", path, err)
	}
	defer f.Close()

	m, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("settings: parse %q: %w", path, err)
	}
	return m, nil
}

// LoadFromReader decodes settings from r. An empty document yields an empty
// Map. Unknown keys are kept and logged.
func LoadFromReader(r io.Reader) (Map, error) {
	raw := map[string]any{}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("settings: decode yaml: %w", err)
	}

	m := make(Map, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case string, bool, int, int64, float64, nil:
		default:
			return nil, fmt.Errorf("settings: %s: expected a scalar value, got %T", k, v)
		}
		if !knownKeys[k] {
			log.Warnf("settings: unknown key %q", k)
		}
		m[k] = v
	}
	return m, nil
}
