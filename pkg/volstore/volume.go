package volstore

import (
	"strings"
)

type Status string

const (
	StatusCreated Status = "Created"
	StatusStarted Status = "Started"
	StatusStopped Status = "Stopped"
)

// Feature option keys
const (
	KeyFeaturesQuota         = "features.quota"
	KeyFeaturesBitrot        = "features.bitrot"
	KeyFeaturesUSS           = "features.uss"
	KeyFeaturesScrubThrottle = "features.scrub-throttle"
	KeyFeaturesScrubFreq     = "features.scrub-freq"
	KeyFeaturesScrub         = "features.scrub"
)

type Volume struct {
	Name    string            `yaml:"name"`
	Status  Status            `yaml:"status"`
	Options map[string]string `yaml:"options,omitempty"`
}

func (v *Volume) IsStarted() bool {
	return v.Status == StatusStarted
}

// Option returns the raw value of key, "" when unset
func (v *Volume) Option(key string) string {
	return v.Options[key]
}

// SetOption sets key to value
func (v *Volume) SetOption(key, value string) {
	if v.Options == nil {
		v.Options = make(map[string]string)
	}
	v.Options[key] = value
}

// IsEnabled interprets key as a boolean option; unset or unparsable means off
func (v *Volume) IsEnabled(key string) bool {
	enabled, ok := ParseBool(v.Options[key])
	return ok && enabled
}

// Clone returns a deep copy safe to mutate
func (v *Volume) Clone() *Volume {
	c := &Volume{Name: v.Name, Status: v.Status}
	if v.Options != nil {
		c.Options = make(map[string]string, len(v.Options))
		for k, val := range v.Options {
			c.Options[k] = val
		}
	}
	return c
}

// ParseBool accepts the spellings volume options use for booleans
func ParseBool(value string) (enabled bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "yes", "true", "enable", "1":
		return true, true
	case "off", "no", "false", "disable", "0":
		return false, true
	default:
		return false, false
	}
}
