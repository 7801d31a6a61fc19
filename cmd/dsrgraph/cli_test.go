package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
)

const datasetsYAML = `datasets:
  - name: crm
    connection_key: mailer
    collections:
      - name: profiles
        fields:
          - name: id
            data_type: integer
            primary_key: true
          - name: email
            data_type: string
            identity: email
            data_categories: [user.contact.email]
`

const policiesYAML = `policies:
  - key: access
    rules:
      - key: access_user
        action_type: access
        target_categories: [user]
`

const connectionsYAML = `connections:
  - key: mailer
    type: email
    access: write
`

// writeFixtures writes the YAML inputs and returns the global flags
// pointing at them.
func writeFixtures(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"datasets.yaml":    datasetsYAML,
		"policies.yaml":    policiesYAML,
		"connections.yaml": connectionsYAML,
		"settings.yaml":    "store_path: " + filepath.Join(dir, "store.db") + "\nlog_level: error\n",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return []string{
		"--config", filepath.Join(dir, "settings.yaml"),
		"--datasets", filepath.Join(dir, "datasets.yaml"),
		"--policies", filepath.Join(dir, "policies.yaml"),
		"--connections", filepath.Join(dir, "connections.yaml"),
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_RunAndStatus(t *testing.T) {
	global := writeFixtures(t)

	out, err := execute(t, append([]string{"run", "--policy", "access", "--identity", "email=a@example.com"}, global...)...)
	require.NoError(t, err)
	assert.Contains(t, out, `"request_id"`)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	require.Len(t, fields, 3)
	assert.Equal(t, "request", fields[0])
	assert.Equal(t, string(taskstore.RequestComplete), fields[2])
	id := fields[1]

	out, err = execute(t, append([]string{"status"}, global...)...)
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = execute(t, append([]string{"status", id}, global...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "status:   complete")
	assert.Contains(t, out, "crm:profiles")

	out, err = execute(t, append([]string{"requeue", id}, global...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "requeued 0 task(s)")
}

func TestCLI_RunUnknownPolicy(t *testing.T) {
	global := writeFixtures(t)
	_, err := execute(t, append([]string{"run", "--policy", "nope", "--identity", "email=a@example.com"}, global...)...)
	require.Error(t, err)
}

func TestCLI_DryRun(t *testing.T) {
	global := writeFixtures(t)
	out, err := execute(t, append([]string{"dry-run", "--identity", "email=a@example.com"}, global...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "crm:profiles")
	assert.Contains(t, out, "mailer")
}

func TestCLI_TestConnections(t *testing.T) {
	global := writeFixtures(t)
	out, err := execute(t, append([]string{"test-connections"}, global...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "mailer")
	assert.Contains(t, out, "skipped")
}

func TestCLI_Settings(t *testing.T) {
	out, err := execute(t, "settings")
	require.NoError(t, err)
	assert.Contains(t, out, "workers")
	assert.Contains(t, out, "identity_cache_ttl")
}

func TestParseIdentity(t *testing.T) {
	got, err := parseIdentity([]string{"email=a@example.com", "user_id=42"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"email": "a@example.com", "user_id": int64(42)}, got)

	_, err = parseIdentity(nil)
	require.Error(t, err)
	_, err = parseIdentity([]string{"email"})
	require.Error(t, err)
}

func TestParseConsent(t *testing.T) {
	got, err := parseConsent([]string{"marketing=false", "analytics=true"})
	require.NoError(t, err)
	assert.Equal(t, []taskstore.ConsentPreference{
		{DataUse: "marketing", OptIn: false},
		{DataUse: "analytics", OptIn: true},
	}, got)

	_, err = parseConsent([]string{"marketing=maybe"})
	require.Error(t, err)
}
