// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package seed

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/gatekeeper/pkg/errutil"
)

func TestLoad_Example(t *testing.T) {
	doc, err := Load(filepath.Join("testdata", "example.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", doc.Version)
	require.Len(t, doc.Permissions, 3)
	require.Len(t, doc.Roles, 2)
	assert.Equal(t, []string{"documents:read", "documents:write"}, doc.Roles[1].Permissions)
	require.Len(t, doc.Grants, 2)
	require.NotNil(t, doc.Grants[1].ExpiresAt)
	assert.Equal(t, 2099, doc.Grants[1].ExpiresAt.Year())
	require.Len(t, doc.Flags, 1)
	assert.Equal(t, 10, doc.Flags[0].RolloutPercentage)
	assert.Equal(t, []string{"carol", "dave"}, doc.Cohorts["beta"])
}

func TestLoad_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	_, err := Load(path)
	require.Error(t, err)
	errutil.AssertErrorContext(t, err, "path", path)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"not yaml", "version: [1.0.0"},
		{"missing version", "roles: []"},
		{"unknown key", "version: 1.0.0\nadmins: [root]"},
		{"rollout out of range", "version: 1.0.0\nflags:\n  - name: x\n    enabled: true\n    rollout_percentage: 150"},
		{"grant without role", "version: 1.0.0\ngrants:\n  - user: alice"},
		{"loose version", "version: \"1.0\""},
		{"unsupported major", "version: 2.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, errutil.CodeInvalidRequest)
		})
	}
}

func TestParse_AcceptsMinorVersions(t *testing.T) {
	doc, err := Parse([]byte("version: 1.4.2\n"))
	require.NoError(t, err)
	assert.Empty(t, doc.Roles)
}

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, SchemaID, schema["$id"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"version", "permissions", "roles", "grants", "flags", "cohorts"} {
		assert.Contains(t, props, key)
	}
	assert.Contains(t, schema["required"], "version")
}

func TestGenerateSchema_MatchesCommittedCopy(t *testing.T) {
	committed, err := os.ReadFile(filepath.Join("..", "..", "schemas", "seed.schema.json"))
	if os.IsNotExist(err) {
		t.Skip("schemas/seed.schema.json not generated")
	}
	require.NoError(t, err)

	generated, err := GenerateSchema()
	require.NoError(t, err)
	assert.JSONEq(t, string(committed), string(generated), "run go run ./cmd/gen-schema")
}
