package domain

import (
	"fmt"
	"net"
	"strings"
)

// IOCKind is the closed set of indicator kinds a connector can ingest.
type IOCKind int

const (
	IPv4 IOCKind = iota + 1
	URL
	Domain
	FileHashMD5
	FileHashSHA1
	FileHashSHA256
)

// AllKinds lists every kind in canonical sort order.
var AllKinds = []IOCKind{IPv4, URL, Domain, FileHashMD5, FileHashSHA1, FileHashSHA256}

type kindInfo struct {
	token          string
	observableType string
	stixType       string
	patternProp    string
	hashLen        int
}

var kindTable = map[IOCKind]kindInfo{
	IPv4:           {token: "ip", observableType: "IPv4-Addr", stixType: "ipv4-addr", patternProp: "ipv4-addr:value"},
	URL:            {token: "url", observableType: "URL", stixType: "url", patternProp: "url:value"},
	Domain:         {token: "domain", observableType: "Domain", stixType: "domain-name", patternProp: "domain-name:value"},
	FileHashMD5:    {token: "md5", observableType: "File-MD5", stixType: "file", patternProp: "file:hashes.MD5", hashLen: 32},
	FileHashSHA1:   {token: "sha1", observableType: "File-SHA1", stixType: "file", patternProp: "file:hashes.'SHA-1'", hashLen: 40},
	FileHashSHA256: {token: "sha256", observableType: "File-SHA256", stixType: "file", patternProp: "file:hashes.'SHA-256'", hashLen: 64},
}

var tokenTable = func() map[string]IOCKind {
	m := make(map[string]IOCKind, len(kindTable))
	for k, info := range kindTable {
		m[info.token] = k
	}
	return m
}()

// Classify maps a raw type token (md5, sha1, sha256, ip, url, domain) to its
// IOCKind. Matching is case-insensitive; anything else is ErrUnknownIOCType.
func Classify(token string) (IOCKind, error) {
	k, ok := tokenTable[strings.ToLower(strings.TrimSpace(token))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownIOCType, token)
	}
	return k, nil
}

// ParseKind reads a token written by IOCKind.String. It accepts exactly what
// Classify accepts.
func ParseKind(token string) (IOCKind, error) {
	return Classify(token)
}

// String returns the canonical lower-case token.
func (k IOCKind) String() string {
	if info, ok := kindTable[k]; ok {
		return info.token
	}
	return fmt.Sprintf("IOCKind(%d)", int(k))
}

func (k IOCKind) Valid() bool {
	_, ok := kindTable[k]
	return ok
}

// ObservableType is the platform observable type name (e.g. "IPv4-Addr").
func (k IOCKind) ObservableType() string { return kindTable[k].observableType }

// STIXType is the STIX 2.1 cyber-observable object type.
func (k IOCKind) STIXType() string { return kindTable[k].stixType }

// PatternProperty is the object path used in STIX patterns for this kind.
func (k IOCKind) PatternProperty() string { return kindTable[k].patternProp }

// IsHash reports whether the kind is one of the file hash kinds.
func (k IOCKind) IsHash() bool { return kindTable[k].hashLen > 0 }

// HashAlgorithm returns the STIX hash algorithm name for hash kinds.
func (k IOCKind) HashAlgorithm() string {
	switch k {
	case FileHashMD5:
		return "MD5"
	case FileHashSHA1:
		return "SHA-1"
	case FileHashSHA256:
		return "SHA-256"
	default:
		return ""
	}
}

// IOCKey identifies an IOC across runs. Two records with the same key are the
// same IOC.
type IOCKey struct {
	Kind  IOCKind
	Value string
}

// String renders the key as "kind:value", the persisted snapshot form.
func (k IOCKey) String() string {
	return k.Kind.String() + ":" + k.Value
}

// ParseKey parses the "kind:value" form. Kind tokens never contain ':' so the
// first separator splits; URL values keep their own colons.
func ParseKey(s string) (IOCKey, error) {
	token, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return IOCKey{}, fmt.Errorf("invalid snapshot key %q", s)
	}
	kind, err := ParseKind(token)
	if err != nil {
		return IOCKey{}, err
	}
	return IOCKey{Kind: kind, Value: value}, nil
}

// Less orders keys by kind, then value.
func (k IOCKey) Less(o IOCKey) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	return k.Value < o.Value
}

// IOCRecord is one parsed row. Records are values and are never mutated once
// parsed.
type IOCRecord struct {
	Value       string
	Kind        IOCKind
	Description string
	SourceLabel string
}

func (r IOCRecord) Key() IOCKey {
	return IOCKey{Kind: r.Kind, Value: r.Value}
}

// NormalizeIOCValue normalizes IOC values for better matching
func NormalizeIOCValue(value string, kind IOCKind) string {
	value = strings.TrimSpace(value)
	switch kind {
	case Domain:
		return strings.TrimSuffix(strings.ToLower(value), ".")
	case FileHashMD5, FileHashSHA1, FileHashSHA256:
		return strings.ToLower(value)
	default:
		return value
	}
}

// ValidateIOCValue checks that a normalized value is plausible for its kind.
func ValidateIOCValue(value string, kind IOCKind) error {
	if value == "" {
		return fmt.Errorf("%w: empty value", ErrMalformedRow)
	}
	switch kind {
	case IPv4:
		ip := net.ParseIP(value)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: %q is not an IPv4 address", ErrMalformedRow, value)
		}
	case FileHashMD5, FileHashSHA1, FileHashSHA256:
		want := kindTable[kind].hashLen
		if len(value) != want || !isHex(value) {
			return fmt.Errorf("%w: %q is not a %d-char hex %s", ErrMalformedRow, value, want, kind)
		}
	case Domain, URL:
		if strings.ContainsAny(value, " \t") {
			return fmt.Errorf("%w: %q contains whitespace", ErrMalformedRow, value)
		}
	}
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
