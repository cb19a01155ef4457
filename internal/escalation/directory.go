// Copyright (C) 2025-2026 The Birding Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package escalation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pedroscharrff/birding-sub001/internal/notifyqueue"
)

// Contact is someone to notify about a tenant's critical alerts.
type Contact struct {
	Name      string              `yaml:"name"`
	Channel   notifyqueue.Channel `yaml:"channel"`
	Recipient string              `yaml:"recipient"`
}

// Directory resolves who is told about a tenant's critical alerts.
type Directory interface {
	Contacts(ctx context.Context, tenantID string) ([]Contact, error)
}

type directoryFile struct {
	Default []Contact            `yaml:"default"`
	Tenants map[string][]Contact `yaml:"tenants"`
}

// StaticDirectory is a fixed contact list. A tenant with its own entry uses
// only that entry; every other tenant uses the default list.
type StaticDirectory struct {
	def     []Contact
	tenants map[string][]Contact
}

var _ Directory = (*StaticDirectory)(nil)

// LoadStaticDirectory reads a directory from a YAML file. A name of the form
// "env:VAR" reads the YAML from that environment variable instead. A missing
// file yields an empty directory.
func LoadStaticDirectory(filename string) (*StaticDirectory, error) {
	if envVar, ok := strings.CutPrefix(filename, "env:"); ok {
		contents := os.Getenv(envVar)
		if contents == "" {
			return nil, fmt.Errorf("environment variable %s is not set", envVar)
		}
		return ParseStaticDirectory([]byte(contents))
	}

	contents, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &StaticDirectory{tenants: map[string][]Contact{}}, nil
		}
		return nil, fmt.Errorf("failed to read contact directory %s: %w", filename, err)
	}
	d, err := ParseStaticDirectory(contents)
	if err != nil {
		return nil, fmt.Errorf("contact directory %s: %w", filename, err)
	}
	return d, nil
}

// ParseStaticDirectory decodes and validates a YAML contact directory.
func ParseStaticDirectory(contents []byte) (*StaticDirectory, error) {
	var f directoryFile
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal contact directory: %w", err)
	}

	if err := validateContacts("default", f.Default); err != nil {
		return nil, err
	}
	for tenantID, contacts := range f.Tenants {
		if err := validateContacts("tenant "+tenantID, contacts); err != nil {
			return nil, err
		}
	}
	if f.Tenants == nil {
		f.Tenants = map[string][]Contact{}
	}
	return &StaticDirectory{def: f.Default, tenants: f.Tenants}, nil
}

func validateContacts(scope string, contacts []Contact) error {
	for i, c := range contacts {
		if !c.Channel.Valid() {
			return fmt.Errorf("%s contact %d: unknown channel %q", scope, i, c.Channel)
		}
		if strings.TrimSpace(c.Recipient) == "" {
			return fmt.Errorf("%s contact %d: recipient is required", scope, i)
		}
	}
	return nil
}

func (d *StaticDirectory) Contacts(_ context.Context, tenantID string) ([]Contact, error) {
	if contacts, ok := d.tenants[tenantID]; ok {
		return slices.Clone(contacts), nil
	}
	return slices.Clone(d.def), nil
}
