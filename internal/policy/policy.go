package policy

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Header names carrying the hashed secret token. The TLS variant is set by a
// front end that already validated the token on its own channel, so its
// presence alone satisfies the token check.
const (
	TokenHeader    = "X-Http-Secret-Token"
	TLSTokenHeader = "X-Https-Secret-Token"
)

// Verdict is the gate's decision for a request.
type Verdict int

const (
	Accept Verdict = iota
	RejectBadRequest   // 400, empty body
	RejectUnauthorized // 407 with a Proxy-Authenticate challenge
)

// Credential is one allowed login:password pair.
type Credential struct {
	Login    string
	Password string
}

// ParseCredential parses a "login:password" pair.
func ParseCredential(s string) (Credential, error) {
	login, password, ok := strings.Cut(s, ":")
	if !ok || login == "" {
		return Credential{}, fmt.Errorf("invalid credential %q: want login:password", s)
	}
	return Credential{Login: login, Password: password}, nil
}

// Policy is the immutable authorization configuration: which hosts may be
// proxied to, which clients may use the proxy, and the shared secret token.
type Policy struct {
	credentials  []Credential
	allowedHosts []string
	tokenHash    string // hex SHA-256 of the trimmed token; "" disables the check
	skipToken    bool
}

// New builds a Policy. The secret token is hashed once here; request headers
// carry the hash, never the token itself. skipTokenCheck disables token
// enforcement for the plaintext listener.
func New(credentials []Credential, allowedHosts []string, secretToken string, skipTokenCheck bool) *Policy {
	p := &Policy{
		credentials:  credentials,
		allowedHosts: allowedHosts,
		skipToken:    skipTokenCheck,
	}
	if t := strings.TrimSpace(secretToken); t != "" {
		sum := sha256.Sum256([]byte(t))
		p.tokenHash = hex.EncodeToString(sum[:])
	}
	return p
}

// Check evaluates the host allowlist, secret token, and proxy credentials in
// that order, stopping at the first failure. host is the hostname the request
// wants proxied to; an empty host fails a non-empty allowlist.
func (p *Policy) Check(host string, hdr http.Header) Verdict {
	if !p.HostAllowed(host) {
		return RejectBadRequest
	}
	if !p.tokenOK(hdr) {
		return RejectBadRequest
	}
	if !p.credentialOK(hdr) {
		return RejectUnauthorized
	}
	return Accept
}

// HostAllowed reports whether host matches the allowlist. An empty allowlist
// allows everything. Patterns are case-insensitive exact hostnames, or
// "*.domain" matching any name at least one label below domain. A bare
// pattern never matches as a substring.
func (p *Policy) HostAllowed(host string) bool {
	if len(p.allowedHosts) == 0 {
		return true
	}
	if host == "" {
		return false
	}
	host = strings.ToLower(host)
	for _, pattern := range p.allowedHosts {
		pattern = strings.ToLower(pattern)
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

func (p *Policy) tokenOK(hdr http.Header) bool {
	if p.tokenHash == "" || p.skipToken {
		return true
	}
	if vals := hdr.Values(TokenHeader); len(vals) > 0 {
		return strings.TrimSpace(vals[0]) == p.tokenHash
	}
	return len(hdr.Values(TLSTokenHeader)) > 0
}

func (p *Policy) credentialOK(hdr http.Header) bool {
	if len(p.credentials) == 0 {
		return true
	}
	scheme, encoded, ok := strings.Cut(hdr.Get("Proxy-Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return false
	}
	login, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	return p.CheckCredential(login, password)
}

// CheckCredential reports whether login/password matches a configured pair,
// or true when no credentials are configured. The SOCKS5 listener calls this
// directly from its username/password subnegotiation.
func (p *Policy) CheckCredential(login, password string) bool {
	if len(p.credentials) == 0 {
		return true
	}
	for _, c := range p.credentials {
		if c.Login == login && c.Password == password {
			return true
		}
	}
	return false
}

// RequireCredentials reports whether clients must authenticate.
func (p *Policy) RequireCredentials() bool {
	return len(p.credentials) > 0
}
