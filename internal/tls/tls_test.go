package tls

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/streamwatch/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	c, err := Setup(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetup_AutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	c, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, Hosts: []string{"monitor.local", "10.0.0.5"}})
	require.NoError(t, err)
	require.NotNil(t, c)

	cert, err := c.GetCertificate(nil)
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	raw, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	parsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"monitor.local"}, parsed.DNSNames)
	assert.Len(t, parsed.IPAddresses, 1)

	info, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	// second call reuses the generated pair
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	_, err = Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	assert.Equal(t, before, after)
}

func TestSetup_Errors(t *testing.T) {
	_, err := Setup(config.TLSConfig{Enabled: true})
	assert.Error(t, err)

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir()})
	assert.ErrorContains(t, err, "load certificate")

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	assert.ErrorContains(t, err, "unsupported")
}
