// Package config loads the shared trkplane configuration file. All
// daemons read the same YAML document: each one consumes its own
// section plus common, and the termconfig daemon additionally consults
// free-form per-IMEI override sections.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no config file is given on the command line.
const DefaultPath = "/etc/trkplane.conf"

// Common holds settings shared by every daemon.
type Common struct {
	// Protocols lists the protocol modules to load, in probe order.
	Protocols []string `yaml:"protocols"`
}

// Collector configures the terminal-facing TCP listener and the bus.
type Collector struct {
	Port int `yaml:"port"`
	// BusURL is the NATS URL every daemon connects to.
	BusURL string `yaml:"busurl"`
	// BusEmbed makes the collector run the NATS server in-process.
	BusEmbed bool `yaml:"busembed"`
}

// Storage configures the event store daemon.
type Storage struct {
	DBFn string `yaml:"dbfn"`
	// Events enables raw traffic archival on top of location reports.
	Events bool `yaml:"events"`
}

// Rectifier selects the location lookaside backend.
type Rectifier struct {
	Lookaside string `yaml:"lookaside"`
}

// OpenCellID configures the cell tower database and its download job.
type OpenCellID struct {
	DBFn string `yaml:"dbfn"`
	// DownloadURL overrides the URL built from token and MCC.
	DownloadURL   string `yaml:"downloadurl"`
	DownloadToken string `yaml:"downloadtoken"`
	DownloadMCC   string `yaml:"downloadmcc"`
}

// GoogleMaps configures the geolocation API backend.
type GoogleMaps struct {
	// AccessToken names a file holding the API key.
	AccessToken string `yaml:"accesstoken"`
}

// WSGateway configures the websocket gateway.
type WSGateway struct {
	Port     int    `yaml:"port"`
	HTMLFile string `yaml:"htmlfile"`
	// Backlog is the number of stored reports replayed on subscription.
	Backlog int `yaml:"backlog"`
}

// Section is a free-form option block: the termconfig defaults or one
// per-IMEI override. Values are normalized at load time to int, string,
// or a homogeneous list of either, and are usable directly as message
// keyword arguments.
type Section map[string]any

// File is one parsed and normalized configuration document.
type File struct {
	Common     Common
	Collector  Collector
	Storage    Storage
	Rectifier  Rectifier
	OpenCellID OpenCellID
	GoogleMaps GoogleMaps
	WSGateway  WSGateway
	TermConfig Section

	terminals map[string]Section
}

type rawFile struct {
	Common     Common                    `yaml:"common"`
	Collector  Collector                 `yaml:"collector"`
	Storage    Storage                   `yaml:"storage"`
	Rectifier  Rectifier                 `yaml:"rectifier"`
	OpenCellID OpenCellID                `yaml:"opencellid"`
	GoogleMaps GoogleMaps                `yaml:"googlemaps"`
	WSGateway  WSGateway                 `yaml:"wsgateway"`
	TermConfig map[string]any            `yaml:"termconfig"`
	Terminals  map[string]map[string]any `yaml:",inline"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a configuration document and normalizes the free-form
// sections. Defaults apply to keys the document leaves out.
func Parse(data []byte) (*File, error) {
	raw := rawFile{
		Common: Common{Protocols: []string{"zx303", "beesure"}},
		Collector: Collector{
			Port:     4303,
			BusURL:   "nats://127.0.0.1:4222",
			BusEmbed: true,
		},
		WSGateway: WSGateway{Port: 5049, Backlog: 5},
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	f := &File{
		Common:     raw.Common,
		Collector:  raw.Collector,
		Storage:    raw.Storage,
		Rectifier:  raw.Rectifier,
		OpenCellID: raw.OpenCellID,
		GoogleMaps: raw.GoogleMaps,
		WSGateway:  raw.WSGateway,
	}

	var err error
	if f.TermConfig, err = normalizeSection("termconfig", raw.TermConfig); err != nil {
		return nil, err
	}
	f.terminals = make(map[string]Section, len(raw.Terminals))
	for name, sec := range raw.Terminals {
		if f.terminals[name], err = normalizeSection(name, sec); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// TerminalSection returns the option block for one device: the
// device's own section when the file has one, the termconfig defaults
// otherwise. The result may be nil.
func (f *File) TerminalSection(imei string) Section {
	if s, ok := f.terminals[imei]; ok {
		return s
	}
	return f.TermConfig
}

func normalizeSection(name string, raw map[string]any) (Section, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(Section, len(raw))
	for k, v := range raw {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("section %q key %q: %w", name, k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// normalizeValue enforces the option typing rule: a value is an int, a
// string, or a homogeneous list of either. Anything else, including a
// mixed-type list, is a config error.
func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case string:
		return t, nil
	case []any:
		if len(t) == 0 {
			return nil, errors.New("empty list")
		}
		switch t[0].(type) {
		case int, int64:
			ints := make([]int, len(t))
			for i, el := range t {
				switch n := el.(type) {
				case int:
					ints[i] = n
				case int64:
					ints[i] = int(n)
				default:
					return nil, fmt.Errorf("mixed-type list: element %d is %T", i, el)
				}
			}
			return ints, nil
		case string:
			strs := make([]string, len(t))
			for i, el := range t {
				s, ok := el.(string)
				if !ok {
					return nil, fmt.Errorf("mixed-type list: element %d is %T", i, el)
				}
				strs[i] = s
			}
			return strs, nil
		default:
			return nil, fmt.Errorf("list of %T not allowed", t[0])
		}
	default:
		return nil, fmt.Errorf("value of type %T not allowed", v)
	}
}
