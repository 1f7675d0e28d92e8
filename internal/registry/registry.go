// Package registry holds the immutable set of supported decompilers.
//
// A Registry is built once at startup, from the config file or from the
// built-in defaults, and passed explicitly to the classifier and the
// pipeline. It is safe for concurrent use as nothing mutates it.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/CZERTAINLY/daas/internal/model"
)

const (
	PE    = "pe"
	Flash = "flash"
	APK   = "apk"
)

// Portable executable family.
var PEMIMETypes = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-dosexec",
	"application/x-msdownload",
	"application/x-msi",
	"application/x-ms-dos-executable",
}

// Flash movie family.
var FlashMIMETypes = []string{
	"application/x-shockwave-flash",
	"application/vnd.adobe.flash.movie",
}

// Android package-archive family.
var APKMIMETypes = []string{
	"application/vnd.android.package-archive",
}

type Config struct {
	Identifier string
	Version    int
	Queue      string
	Timeout    time.Duration
	MIMETypes  []string
}

// Task builds the worker payload for a sample of this type.
func (c Config) Task(s model.Sample) model.Task {
	return model.Task{
		SHA1:       s.SHA1,
		Name:       s.Name,
		Identifier: c.Identifier,
		Version:    c.Version,
		Timeout:    int(c.Timeout / time.Second),
	}
}

// Registry is an ordered, read-only sequence of decompiler configs.
type Registry struct {
	configs []Config
}

func New(configs ...Config) (Registry, error) {
	if len(configs) == 0 {
		return Registry{}, errors.New("registry: no decompiler configured")
	}
	seen := make(map[string]struct{}, len(configs))
	out := make([]Config, 0, len(configs))
	for _, c := range configs {
		switch {
		case c.Identifier == "":
			return Registry{}, errors.New("registry: empty identifier")
		case c.Queue == "":
			return Registry{}, fmt.Errorf("registry: %s: empty queue", c.Identifier)
		case len(c.MIMETypes) == 0:
			return Registry{}, fmt.Errorf("registry: %s: no mime types", c.Identifier)
		}
		if _, ok := seen[c.Identifier]; ok {
			return Registry{}, fmt.Errorf("registry: duplicate identifier %s", c.Identifier)
		}
		seen[c.Identifier] = struct{}{}
		c.MIMETypes = slices.Clone(c.MIMETypes)
		out = append(out, c)
	}
	return Registry{configs: out}, nil
}

// Default returns the built-in registry.
func Default() Registry {
	r, err := New(
		Config{Identifier: PE, Version: 1, Queue: "pe_queue", Timeout: 120 * time.Second, MIMETypes: PEMIMETypes},
		Config{Identifier: Flash, Version: 1, Queue: "flash_queue", Timeout: 120 * time.Second, MIMETypes: FlashMIMETypes},
		Config{Identifier: APK, Version: 1, Queue: "apk_queue", Timeout: 300 * time.Second, MIMETypes: APKMIMETypes},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// FromConfig builds the registry from the decompilers section, falling back
// to Default when it is empty.
func FromConfig(decompilers []model.Decompiler) (Registry, error) {
	if len(decompilers) == 0 {
		return Default(), nil
	}
	configs := make([]Config, 0, len(decompilers))
	for _, d := range decompilers {
		configs = append(configs, Config{
			Identifier: d.Identifier,
			Version:    d.Version,
			Queue:      d.Queue,
			Timeout:    time.Duration(d.Timeout) * time.Second,
			MIMETypes:  d.MIMETypes,
		})
	}
	return New(configs...)
}

// Lookup scans the registry for identifier. A miss means a stored sample
// carries an identifier which was removed from configuration.
func (r Registry) Lookup(identifier string) (Config, error) {
	for _, c := range r.configs {
		if c.Identifier == identifier {
			return c, nil
		}
	}
	return Config{}, fmt.Errorf("no decompiler with identifier %q: %w", identifier, model.ErrConfigurationDrift)
}

// CurrentVersion returns the configured version of identifier.
func (r Registry) CurrentVersion(identifier string) (int, error) {
	c, err := r.Lookup(identifier)
	if err != nil {
		return 0, err
	}
	return c.Version, nil
}

// Configs returns a copy of all entries in their configured order.
func (r Registry) Configs() []Config {
	out := make([]Config, len(r.configs))
	for i, c := range r.configs {
		c.MIMETypes = slices.Clone(c.MIMETypes)
		out[i] = c
	}
	return out
}

// Identifiers returns the identifiers in their configured order.
func (r Registry) Identifiers() []string {
	out := make([]string, len(r.configs))
	for i, c := range r.configs {
		out[i] = c.Identifier
	}
	return out
}

// IsCurrent reports whether s holds a successful result produced by the
// current decompiler version of its type.
func (r Registry) IsCurrent(s model.Sample) (bool, error) {
	version, err := r.CurrentVersion(s.TypeName())
	if err != nil {
		return false, err
	}
	return s.Statistics != nil && s.Statistics.Decompiled && s.Statistics.Version == version, nil
}
