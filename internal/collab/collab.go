// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package collab defines the opaque collaborator interfaces the core
// consumes but does not implement: certificate material for the HTTPS
// listener, and the externally-reachable URL used only for startup
// logging. Concrete providers (ACME, self-signed, UPnP/tunnel discovery)
// live outside this module's scope.
package collab

import "crypto/tls"

// CertificateProvider supplies the key/certificate/chain triple that
// decides whether the HTTPS listener starts. Absence (ok == false) means
// the server runs HTTP-only.
type CertificateProvider interface {
	GetCertificate() (cert *tls.Certificate, ok bool, err error)
}

// ExternalURLProvider supplies the publicly reachable URL, if any, used
// only for the startup banner.
type ExternalURLProvider interface {
	GetExternalURL() (url string, ok bool)
}

// NoCertificate is a CertificateProvider that always reports absence,
// used when no TLS collaborator is configured.
type NoCertificate struct{}

func (NoCertificate) GetCertificate() (*tls.Certificate, bool, error) { return nil, false, nil }

// NoExternalURL is an ExternalURLProvider that always reports absence.
type NoExternalURL struct{}

func (NoExternalURL) GetExternalURL() (string, bool) { return "", false }

// StaticExternalURL is an ExternalURLProvider backed by a fixed,
// operator-configured URL (e.g. from koanf configuration rather than a
// live tunnel-discovery collaborator).
type StaticExternalURL string

func (u StaticExternalURL) GetExternalURL() (string, bool) {
	if u == "" {
		return "", false
	}
	return string(u), true
}

// FileCertificateProvider is a CertificateProvider backed by a key/cert
// pair already present on disk. It is the minimal concrete provider this
// module ships; ACME issuance and self-signed generation are collaborator
// concerns outside this module's scope, left to whatever produced the
// files this reads.
type FileCertificateProvider struct {
	CertFile string
	KeyFile  string
}

// GetCertificate reports absence when either path is unset, so an
// operator who configures neither gets a plain HTTP listener.
func (p FileCertificateProvider) GetCertificate() (*tls.Certificate, bool, error) {
	if p.CertFile == "" || p.KeyFile == "" {
		return nil, false, nil
	}
	cert, err := tls.LoadX509KeyPair(p.CertFile, p.KeyFile)
	if err != nil {
		return nil, false, err
	}
	return &cert, true, nil
}

// TLSConfigFor builds an *tls.Config from a CertificateProvider, or nil
// if no certificate material is available (the caller then starts an
// HTTP-only listener).
func TLSConfigFor(p CertificateProvider) (*tls.Config, error) {
	cert, ok, err := p.GetCertificate()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
