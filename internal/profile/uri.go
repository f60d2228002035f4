package profile

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParseURI decodes a ss:// URI in either the legacy form
// (ss://base64(method:password@host:port)#name) or the SIP002 form
// (ss://base64(method:password)@host:port[/?plugin=...]#name), matching
// the two forms the reference client's Profile::fromUri accepts. The
// optional #fragment is percent- and then UTF-8 decoded into p.Name.
func ParseURI(uri string) (Profile, error) {
	const scheme = "ss://"
	if !strings.HasPrefix(uri, scheme) {
		return Profile{}, fmt.Errorf("profile: uri missing ss:// scheme")
	}
	rest := uri[len(scheme):]

	var name string
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		fragment := rest[i+1:]
		rest = rest[:i]
		if decoded, err := url.PathUnescape(fragment); err == nil {
			name = decoded
		} else {
			name = fragment
		}
	}

	if i := strings.IndexByte(rest, '@'); i >= 0 {
		return parseSIP002(rest, i, name)
	}
	return parseLegacy(rest, name)
}

// parseLegacy handles ss://base64(method:password@host:port).
func parseLegacy(encoded, name string) (Profile, error) {
	decoded, err := decodeBase64Any(encoded)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: decode legacy uri: %w", err)
	}

	at := strings.LastIndexByte(decoded, '@')
	if at < 0 {
		return Profile{}, fmt.Errorf("profile: legacy uri missing '@'")
	}
	methodPassword := decoded[:at]
	hostPort := decoded[at+1:]

	method, password, err := splitMethodPassword(methodPassword)
	if err != nil {
		return Profile{}, err
	}
	host, port, err := splitHostPort(hostPort)
	if err != nil {
		return Profile{}, err
	}

	return Profile{Name: name, Server: host, ServerPort: port, Method: method, Password: password}, nil
}

// parseSIP002 handles ss://base64(method:password)@host:port[/?plugin=...].
func parseSIP002(rest string, atIdx int, name string) (Profile, error) {
	userinfo := rest[:atIdx]
	hostPortAndQuery := rest[atIdx+1:]

	// Drop a trailing "/?..." query/plugin segment; plugin options are
	// not supported, but URIs carrying them still parse.
	hostPort := hostPortAndQuery
	if i := strings.IndexAny(hostPortAndQuery, "/?"); i >= 0 {
		hostPort = hostPortAndQuery[:i]
	}

	decoded, err := decodeBase64Any(userinfo)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: decode SIP002 userinfo: %w", err)
	}
	method, password, err := splitMethodPassword(decoded)
	if err != nil {
		return Profile{}, err
	}
	host, port, err := splitHostPort(hostPort)
	if err != nil {
		return Profile{}, err
	}

	return Profile{Name: name, Server: host, ServerPort: port, Method: method, Password: password}, nil
}

func splitMethodPassword(s string) (method, password string, err error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return "", "", fmt.Errorf("profile: %q is not method:password", s)
	}
	return s[:colon], s[colon+1:], nil
}

func splitHostPort(s string) (host string, port uint16, err error) {
	colon := strings.LastIndexByte(s, ':')
	if colon < 0 {
		return "", 0, fmt.Errorf("profile: %q is not host:port", s)
	}
	host = s[:colon]
	p, err := strconv.ParseUint(s[colon+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("profile: invalid port in %q: %w", s, err)
	}
	return host, uint16(p), nil
}

// decodeBase64Any tries standard and URL-safe base64, with and without
// padding, since both appear in the wild for ss:// userinfo.
func decodeBase64Any(s string) (string, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), nil
		} else {
			lastErr = err
		}
	}
	return "", lastErr
}

// ToURI encodes p as a SIP002 ss:// URI
// (ss://base64(method:password)@host:port#name), the modern form the
// reference client's Profile::toUriSip002 produces.
func (p *Profile) ToURI() string {
	userinfo := base64.StdEncoding.EncodeToString([]byte(p.Method + ":" + p.Password))
	uri := fmt.Sprintf("ss://%s@%s:%d", userinfo, p.Server, p.ServerPort)
	if p.Name != "" {
		uri += "#" + url.PathEscape(p.Name)
	}
	return uri
}

// ToLegacyURI encodes p as a legacy ss:// URI
// (ss://base64(method:password@host:port)#name), matching
// Profile::toUri in the reference client.
func (p *Profile) ToLegacyURI() string {
	inner := fmt.Sprintf("%s:%s@%s:%d", p.Method, p.Password, p.Server, p.ServerPort)
	encoded := base64.StdEncoding.EncodeToString([]byte(inner))
	uri := "ss://" + encoded
	if p.Name != "" {
		uri += "#" + url.PathEscape(p.Name)
	}
	return uri
}
