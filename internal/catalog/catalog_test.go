package catalog

import (
	"context"
	"strings"
	"testing"

	"condohub.io/internal/auth"
	"condohub.io/internal/store/memory"
)

func TestEmbeddedCatalogCoversTypedKeys(t *testing.T) {
	modules, err := Modules()
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	known := make(map[auth.CapabilityKey]bool)
	for _, m := range modules {
		if !m.IsActive {
			t.Fatalf("module %s unexpectedly inactive", m.Code)
		}
		for _, c := range m.Capabilities {
			known[c.Key()] = true
		}
	}
	typed := []auth.CapabilityKey{
		GoalsCreate, GoalsRead, GoalsUpdate, GoalsDelete,
		CondominiumsCreate, CondominiumsRead, CondominiumsUpdate, CondominiumsDelete,
		ResourcesCreate, ResourcesRead, ResourcesUpdate, ResourcesDelete,
		GroupsCreate, GroupsRead, GroupsUpdate,
		UsersCreate, UsersRead, UsersUpdate,
		PermissionsAssign, PermissionsRevoke,
	}
	for _, k := range typed {
		if !known[k] {
			t.Fatalf("typed key %s missing from catalog.yaml", k)
		}
	}
	if len(known) != len(typed) {
		t.Fatalf("catalog has %d capabilities, typed keys cover %d", len(known), len(typed))
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"duplicate module":     "modules:\n  - code: a\n  - code: A\n",
		"duplicate capability": "modules:\n  - code: a\n    capabilities:\n      - code: x\n      - code: x\n",
		"bad module code":      "modules:\n  - code: 'a:b'\n",
		"unknown field":        "modules:\n  - code: a\n    colour: red\n",
		"bad capability":       "modules:\n  - code: a\n    capabilities:\n      - code: ''\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	mods, err := Parse([]byte("modules:\n  - code: Legacy\n    inactive: true\n    capabilities:\n      - code: Read\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if mods[0].Code != "legacy" || mods[0].IsActive || mods[0].Capabilities[0].Code != "read" {
		t.Fatalf("unexpected module: %+v", mods[0])
	}
}

func TestSyncPopulatesStore(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := Sync(ctx, store.Catalog()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	ok, err := store.Catalog().CapabilityExists(ctx, GoalsUpdate)
	if err != nil || !ok {
		t.Fatalf("CapabilityExists(goals:update) = %v, %v", ok, err)
	}
	mods, err := store.Catalog().Modules(ctx)
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	var codes []string
	for _, m := range mods {
		codes = append(codes, m.Code)
	}
	if got := strings.Join(codes, ","); got != "goals,condominiums,resources,groups,users,permissions" {
		t.Fatalf("module order = %s", got)
	}
}
