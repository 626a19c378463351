package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
default_operator: Frogfoot
operators:
  Vumatel:
    api_key: ${TEST_VUMA_KEY}
    base_url: https://api.vumatel.example
    timeout: 3s
  Openserve:
    portal_url: https://portal.openserve.example
    credentials:
      username: noc
      password: ${TEST_OS_PASS:-hunter2}
  Frogfoot:
    portal_url: https://portal.frogfoot.example
  Metrofibre:
    api_key: mf-key
    base_url: https://api.metrofibre.example
    portal_url: https://portal.metrofibre.example
    credentials:
      username: noc
devices:
  ont-1: Vumatel
  ont-2: Openserve
`

func TestParseDetectsCapabilityByCredentialPresence(t *testing.T) {
	t.Setenv("TEST_VUMA_KEY", "k-123")

	reg, err := Parse([]byte(sample))
	require.NoError(t, err)

	vuma, err := reg.Lookup("Vumatel")
	require.NoError(t, err)
	assert.Equal(t, CapabilityAPI, vuma.Capability)
	assert.Equal(t, "k-123", vuma.APIKey)
	assert.Equal(t, 3*time.Second, vuma.Timeout)

	openserve, err := reg.Lookup("Openserve")
	require.NoError(t, err)
	assert.Equal(t, CapabilityPortal, openserve.Capability)
	assert.Equal(t, "hunter2", openserve.Credentials.Password)

	// Both credential kinds present: the remote credential wins.
	mf, err := reg.Lookup("Metrofibre")
	require.NoError(t, err)
	assert.Equal(t, CapabilityAPI, mf.Capability)

	// Portal URL without a login is not a usable capability.
	ff, err := reg.Lookup("Frogfoot")
	require.NoError(t, err)
	assert.Equal(t, CapabilityNone, ff.Capability)
}

func TestParseUnsetEnvDropsAPICapability(t *testing.T) {
	t.Setenv("TEST_VUMA_KEY", "")

	reg, err := Parse([]byte(sample))
	require.NoError(t, err)
	vuma, err := reg.Lookup("Vumatel")
	require.NoError(t, err)
	assert.Equal(t, CapabilityNone, vuma.Capability)
}

func TestLookupUnknownOperator(t *testing.T) {
	reg, err := Load("")
	require.NoError(t, err)

	_, err = reg.Lookup("Nobody")
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestOperatorForDevice(t *testing.T) {
	reg, err := Parse([]byte(sample))
	require.NoError(t, err)

	op, ok := reg.OperatorForDevice("ont-2")
	assert.True(t, ok)
	assert.Equal(t, "Openserve", op)

	op, ok = reg.OperatorForDevice("ont-unknown")
	assert.True(t, ok)
	assert.Equal(t, "Frogfoot", op)
}

func TestNewRejectsDanglingReferences(t *testing.T) {
	_, err := New(map[string]Descriptor{"A": {APIKey: "k", BaseURL: "https://a.example"}}, map[string]string{"d": "B"}, "")
	assert.ErrorIs(t, err, ErrUnknownOperator)

	_, err = New(nil, nil, "Missing")
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestNewRejectsMalformedURL(t *testing.T) {
	_, err := New(map[string]Descriptor{"A": {APIKey: "k", BaseURL: "not a url"}}, nil, "")
	assert.Error(t, err)
}

func TestNewRejectsAPIKeyWithoutBaseURL(t *testing.T) {
	_, err := New(map[string]Descriptor{"A": {APIKey: "k"}}, nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BaseURL")

	_, err = Parse([]byte("operators:\n  A:\n    api_key: k\n"))
	assert.Error(t, err)

	// Without a key the base URL stays optional.
	_, err = New(map[string]Descriptor{"B": {PortalURL: "https://portal.b.example", Credentials: PortalCredentials{Username: "u"}}}, nil, "")
	assert.NoError(t, err)
}

func TestLoadFromFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operators.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, reg.Descriptors(), 4)
	assert.Equal(t, "Frogfoot", reg.Descriptors()[0].Name)

	defaults, err := Load("")
	require.NoError(t, err)
	vuma, err := defaults.Lookup("Vumatel")
	require.NoError(t, err)
	assert.Equal(t, CapabilityAPI, vuma.Capability)
	openserve, err := defaults.Lookup("Openserve")
	require.NoError(t, err)
	assert.Equal(t, CapabilityPortal, openserve.Capability)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
