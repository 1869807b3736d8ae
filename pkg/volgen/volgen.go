// Package volgen writes the volfiles handed to supervised daemons.
//
// A volfile is a YAML document naming the daemon and the translator graph it
// should load. Content is deliberately minimal: enough for a daemon to know
// which volumes it serves and with which options.
package volgen

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/volstore"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

type Translator struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	Options    map[string]string `yaml:"options,omitempty"`
	Subvolumes []string          `yaml:"subvolumes,omitempty"`
}

type Volfile struct {
	Service     string       `yaml:"service"`
	Translators []Translator `yaml:"translators"`
}

// Write stores vf at path atomically so a daemon never reads half a volfile
func Write(path string, vf *Volfile) error {
	data, err := yaml.Marshal(vf)
	if err != nil {
		return errors.NewInternalError("failed to encode volfile", err).WithContext("path", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.NewDirectoryCreateError("failed to create volfile directory", err).WithContext("path", path)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return errors.NewIOError("failed to write volfile", err).WithContext("path", path)
	}
	return nil
}

// Read loads a volfile written by Write
func Read(path string) (*Volfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewVolfileMissingError("volfile does not exist", err).WithContext("path", path)
		}
		return nil, errors.NewIOError("failed to read volfile", err).WithContext("path", path)
	}
	var vf Volfile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return nil, errors.NewValidationError("failed to parse volfile", err).WithContext("path", path)
	}
	return &vf, nil
}

// Quotad builds the quota daemon graph over every volume with quota enabled
func Quotad(volumes []*volstore.Volume) *Volfile {
	return aggregate("quotad", "features/quotad", volumes, volstore.KeyFeaturesQuota, nil)
}

// Bitd builds the bit-rot signer graph over every volume with bitrot enabled
func Bitd(volumes []*volstore.Volume) *Volfile {
	return aggregate("bitd", "features/bit-rot", volumes, volstore.KeyFeaturesBitrot, nil)
}

// Scrub builds the scrubber graph; each volume carries its scrub tunables
func Scrub(volumes []*volstore.Volume) *Volfile {
	return aggregate("scrub", "features/bit-rot", volumes, volstore.KeyFeaturesBitrot, func(v *volstore.Volume) map[string]string {
		options := map[string]string{"scrubber": "true"}
		for _, key := range []string{volstore.KeyFeaturesScrubThrottle, volstore.KeyFeaturesScrubFreq, volstore.KeyFeaturesScrub} {
			if value := v.Option(key); value != "" {
				options[strings.TrimPrefix(key, "features.")] = value
			}
		}
		return options
	})
}

// Snapd builds the per-volume snapshot daemon graph
func Snapd(volume *volstore.Volume, port int) *Volfile {
	server := volume.Name + "-server"
	snapview := volume.Name + "-snapview-server"
	return &Volfile{
		Service: volume.Name + "-snapd",
		Translators: []Translator{
			{
				Name: snapview,
				Type: "features/snapview-server",
				Options: map[string]string{
					"volname": volume.Name,
				},
			},
			{
				Name:       server,
				Type:       "protocol/server",
				Options:    map[string]string{"listen-port": strconv.Itoa(port)},
				Subvolumes: []string{snapview},
			},
		},
	}
}

func aggregate(service, xlatorType string, volumes []*volstore.Volume, key string, extra func(*volstore.Volume) map[string]string) *Volfile {
	vf := &Volfile{Service: service}

	selected := make([]*volstore.Volume, 0, len(volumes))
	for _, v := range volumes {
		if v.IsStarted() && v.IsEnabled(key) {
			selected = append(selected, v)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].Name < selected[j].Name })

	subvolumes := make([]string, 0, len(selected))
	for _, v := range selected {
		name := v.Name + "-" + service
		t := Translator{Name: name, Type: xlatorType, Options: map[string]string{"volume": v.Name}}
		if extra != nil {
			for k, val := range extra(v) {
				t.Options[k] = val
			}
		}
		vf.Translators = append(vf.Translators, t)
		subvolumes = append(subvolumes, name)
	}

	vf.Translators = append(vf.Translators, Translator{
		Name:       service + "-server",
		Type:       "protocol/server",
		Subvolumes: subvolumes,
	})
	return vf
}
