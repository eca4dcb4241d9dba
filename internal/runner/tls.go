package runner

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/bc-dunia/h2drill/internal/config"
)

// opensslCiphers maps OpenSSL cipher names to their TLS 1.2 suites. TLS 1.3
// suites are not configurable.
var opensslCiphers = map[string]uint16{
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-ECDSA-AES128-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"ECDHE-RSA-AES128-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"ECDHE-ECDSA-AES256-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"ECDHE-RSA-AES256-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"AES128-GCM-SHA256":             tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"AES256-GCM-SHA384":             tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
}

// TLSConfig builds the client TLS configuration: ALPN from the npn list,
// the server name from the target host, optional cipher list and CA
// bundle. It returns nil for plain-text targets. crypto/tls leaves SNI out
// for IP literals but still verifies them.
func TLSConfig(cfg *config.Config) (*tls.Config, error) {
	if !cfg.TLS() {
		return nil, nil
	}
	tc := &tls.Config{
		ServerName:         cfg.Host,
		NextProtos:         cfg.ALPN(),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.Ciphers != "" {
		suites, err := parseCiphers(cfg.Ciphers)
		if err != nil {
			return nil, err
		}
		tc.CipherSuites = suites
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s holds no certificates", cfg.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// parseCiphers accepts a colon or comma separated list of OpenSSL or IANA
// cipher suite names.
func parseCiphers(list string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}

	var out []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' }) {
		name = strings.TrimSpace(name)
		if id, ok := opensslCiphers[name]; ok {
			out = append(out, id)
			continue
		}
		if id, ok := byName[name]; ok {
			out = append(out, id)
			continue
		}
		return nil, fmt.Errorf("%w: unknown cipher %q", config.ErrInvalid, name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty cipher list", config.ErrInvalid)
	}
	return out, nil
}
