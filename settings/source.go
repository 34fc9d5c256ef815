// Package settings is the read-only configuration source the capture
// manager pulls from. Keys use the same names as the stored user defaults.
package settings

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	KeyTransmitMethod = "AudioTransmitMethod"
	KeyVADBelow       = "AudioVADBelow"
	KeyVADAbove       = "AudioVADAbove"
	KeyVADKind        = "AudioVADKind"
	KeyPreprocessor   = "AudioPreprocessor"
	KeyQualityKind    = "AudioQualityKind"
	KeyCodec          = "AudioCodec"
	KeyQualityBitrate = "AudioQualityBitrate"
	KeyQualityFrames  = "AudioQualityFrames"
	KeyMicBoost       = "AudioMicBoost"
)

// Source answers typed key lookups. ok is false when the key is absent or
// its value cannot be converted to the requested type.
type Source interface {
	String(key string) (string, bool)
	Float(key string) (float64, bool)
	Int(key string) (int, bool)
	Bool(key string) (bool, bool)
}

// Defaults returns the registered defaults applied when no user value exists.
func Defaults() Map {
	return Map{
		KeyTransmitMethod: "vad",
		KeyVADAbove:       0.6,
		KeyVADBelow:       0.3,
		KeyVADKind:        "amplitude",
		KeyPreprocessor:   true,
		KeyQualityKind:    "balanced",
		KeyCodec:          "celt",
		KeyQualityBitrate: 40000,
		KeyQualityFrames:  2,
		KeyMicBoost:       1.0,
	}
}

// Map is an in-memory Source. Values may be strings, bools or any numeric
// type; numeric strings convert to numbers on lookup.
type Map map[string]any

func (m Map) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case bool, int, int64, float64, float32:
		return fmt.Sprint(x), true
	}
	return "", false
}

func (m Map) Float(key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func (m Map) Int(key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case float32:
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}

func (m Map) Bool(key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	}
	return false, false
}

// Layered consults each source in order; the first one holding a key wins.
func Layered(srcs ...Source) Source {
	return layered(srcs)
}

type layered []Source

func (l layered) String(key string) (string, bool) {
	for _, s := range l {
		if v, ok := s.String(key); ok {
			return v, true
		}
	}
	return "", false
}

func (l layered) Float(key string) (float64, bool) {
	for _, s := range l {
		if v, ok := s.Float(key); ok {
			return v, true
		}
	}
	return 0, false
}

func (l layered) Int(key string) (int, bool) {
	for _, s := range l {
		if v, ok := s.Int(key); ok {
			return v, true
		}
	}
	return 0, false
}

func (l layered) Bool(key string) (bool, bool) {
	for _, s := range l {
		if v, ok := s.Bool(key); ok {
			return v, true
		}
	}
	return false, false
}
