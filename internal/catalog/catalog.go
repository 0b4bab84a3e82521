// Package catalog holds the module and capability catalog shipped with the
// service and the typed capability keys used at route declaration sites.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"condohub.io/internal/auth"
)

//go:embed catalog.yaml
var catalogYAML []byte

var (
	GoalsCreate = key("goals", "create")
	GoalsRead   = key("goals", "read")
	GoalsUpdate = key("goals", "update")
	GoalsDelete = key("goals", "delete")

	CondominiumsCreate = key("condominiums", "create")
	CondominiumsRead   = key("condominiums", "read")
	CondominiumsUpdate = key("condominiums", "update")
	CondominiumsDelete = key("condominiums", "delete")

	ResourcesCreate = key("resources", "create")
	ResourcesRead   = key("resources", "read")
	ResourcesUpdate = key("resources", "update")
	ResourcesDelete = key("resources", "delete")

	GroupsCreate = key("groups", "create")
	GroupsRead   = key("groups", "read")
	GroupsUpdate = key("groups", "update")

	UsersCreate = key("users", "create")
	UsersRead   = key("users", "read")
	UsersUpdate = key("users", "update")

	PermissionsAssign = key("permissions", "assign")
	PermissionsRevoke = key("permissions", "revoke")
)

func key(module, action string) auth.CapabilityKey {
	return auth.CapabilityKey{Module: module, Action: action}
}

type document struct {
	Modules []struct {
		Code         string `yaml:"code"`
		Name         string `yaml:"name"`
		Position     int    `yaml:"position"`
		Inactive     bool   `yaml:"inactive"`
		Capabilities []struct {
			Code        string `yaml:"code"`
			Description string `yaml:"description"`
		} `yaml:"capabilities"`
	} `yaml:"modules"`
}

// Modules returns the embedded catalog.
func Modules() ([]auth.Module, error) {
	return Parse(catalogYAML)
}

// Parse decodes a catalog document, rejecting unknown fields and duplicates.
func Parse(data []byte) ([]auth.Module, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}

	seen := make(map[string]struct{})
	out := make([]auth.Module, 0, len(doc.Modules))
	for _, m := range doc.Modules {
		code := strings.ToLower(strings.TrimSpace(m.Code))
		if code == "" || strings.Contains(code, ":") {
			return nil, fmt.Errorf("catalog: invalid module code %q", m.Code)
		}
		if _, dup := seen[code]; dup {
			return nil, fmt.Errorf("catalog: duplicate module %q", code)
		}
		seen[code] = struct{}{}
		mod := auth.Module{Code: code, Name: m.Name, Position: m.Position, IsActive: !m.Inactive}
		caps := make(map[string]struct{}, len(m.Capabilities))
		for _, c := range m.Capabilities {
			k, err := auth.ParseCapabilityKey(code + ":" + c.Code)
			if err != nil {
				return nil, fmt.Errorf("catalog: module %s: %w", code, err)
			}
			if _, dup := caps[k.Action]; dup {
				return nil, fmt.Errorf("catalog: duplicate capability %s", k)
			}
			caps[k.Action] = struct{}{}
			mod.Capabilities = append(mod.Capabilities, auth.Capability{Module: code, Code: k.Action, Description: c.Description})
		}
		out = append(out, mod)
	}
	return out, nil
}

// Sync upserts the embedded catalog into store.
func Sync(ctx context.Context, store auth.CatalogStore) error {
	modules, err := Modules()
	if err != nil {
		return err
	}
	if err := store.Ensure(ctx, modules); err != nil {
		return fmt.Errorf("catalog: sync: %w", err)
	}
	return nil
}
