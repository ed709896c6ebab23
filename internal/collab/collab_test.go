// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package collab

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoCertificate_ReportsAbsence(t *testing.T) {
	cert, ok, err := NoCertificate{}.GetCertificate()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, cert)
}

func TestNoExternalURL_ReportsAbsence(t *testing.T) {
	url, ok := NoExternalURL{}.GetExternalURL()
	assert.False(t, ok)
	assert.Empty(t, url)
}

func TestStaticExternalURL_EmptyIsAbsent(t *testing.T) {
	url, ok := StaticExternalURL("").GetExternalURL()
	assert.False(t, ok)
	assert.Empty(t, url)
}

func TestStaticExternalURL_NonEmptyIsPresent(t *testing.T) {
	url, ok := StaticExternalURL("https://example.test").GetExternalURL()
	assert.True(t, ok)
	assert.Equal(t, "https://example.test", url)
}

func TestTLSConfigFor_NoCertificateReturnsNil(t *testing.T) {
	cfg, err := TLSConfigFor(NoCertificate{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

type fakeCertProvider struct {
	cert *tls.Certificate
	ok   bool
	err  error
}

func (f fakeCertProvider) GetCertificate() (*tls.Certificate, bool, error) {
	return f.cert, f.ok, f.err
}

func TestTLSConfigFor_WithCertificate(t *testing.T) {
	cfg, err := TLSConfigFor(fakeCertProvider{cert: &tls.Certificate{}, ok: true})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestFileCertificateProvider_EmptyPathsReportAbsence(t *testing.T) {
	cert, ok, err := FileCertificateProvider{}.GetCertificate()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, cert)

	cert, ok, err = FileCertificateProvider{CertFile: "cert.pem"}.GetCertificate()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, cert)
}

func TestFileCertificateProvider_MissingFileErrors(t *testing.T) {
	_, ok, err := FileCertificateProvider{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}.GetCertificate()
	assert.False(t, ok)
	assert.Error(t, err)
}
