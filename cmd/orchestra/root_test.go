package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePersonas(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"general.yaml":  "name: General Assistant\ninstructions: Answer anything.\ndefault: true\n",
		"deployer.yaml": "name: Release Engineer\ninstructions: Ship services safely.\ntier: 2\ncapabilities: [deploy, production]\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func TestAgentsCommand(t *testing.T) {
	dir := writePersonas(t)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"agents", "--personas", dir})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "KEY")
	assert.Contains(t, out.String(), "deployer")
	assert.Contains(t, out.String(), "general*")
	assert.Contains(t, out.String(), "deploy,production")
}

func TestAgentsCommandFromEnv(t *testing.T) {
	t.Setenv("ORCHESTRA_PERSONAS", writePersonas(t))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"agents", "--json"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `"key": "deployer"`)
}

func testViper(t *testing.T, values map[string]string) *viper.Viper {
	t.Helper()
	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	return v
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestra.yaml")
	require.NoError(t, os.WriteFile(path, []byte("personas: ./team\nserver:\n  addr: \":9999\"\n"), 0o600))

	v := testViper(t, map[string]string{"config": path, "log-level": "debug"})
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "./team", cfg.Personas)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nonsense: true\n"), 0o600))

	_, err := loadConfig(testViper(t, map[string]string{"config": path}))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestBenchCommand(t *testing.T) {
	dir := writePersonas(t)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"bench", "--personas", dir, "--sessions", "2", "--rounds", "1",
		"--message", "deploy to production", "--message", "hi there", "--format", "json"})
	require.NoError(t, cmd.Execute())

	var report BenchReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 4, report.Requests)
	assert.Zero(t, report.Errors)
	assert.Equal(t, map[string]int{"deployer": 2, "general": 2}, report.Agents)
	assert.LessOrEqual(t, report.P50, report.P95)
	assert.Nil(t, report.Regression)
}

func TestBenchRegressionFailsCI(t *testing.T) {
	dir := writePersonas(t)
	baseline := filepath.Join(t.TempDir(), "base.json")
	require.NoError(t, os.WriteFile(baseline, []byte(`{"p95": 1, "git_commit": "abc"}`), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"bench", "--personas", dir, "--sessions", "1", "--rounds", "1",
		"--message", "hi there", "--baseline", baseline, "--ci"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "regressed")
	assert.Contains(t, out.String(), "p95 vs baseline")
}

func TestPercentileAndCompare(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(5), percentile(sorted, 0.5))
	assert.Equal(t, time.Duration(9), percentile(sorted, 0.95))
	assert.Zero(t, percentile(nil, 0.5))

	r := compare(&BenchReport{P95: 110}, &BenchReport{P95: 100})
	assert.InDelta(t, 1.1, r.Ratio, 1e-9)
	assert.False(t, r.Failed)
	r = compare(&BenchReport{P95: 130}, &BenchReport{P95: 100})
	assert.True(t, r.Failed)
}
