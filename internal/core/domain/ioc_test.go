package domain

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		token   string
		want    IOCKind
		wantErr bool
	}{
		{"md5", FileHashMD5, false},
		{"sha1", FileHashSHA1, false},
		{"sha256", FileHashSHA256, false},
		{"ip", IPv4, false},
		{"url", URL, false},
		{"domain", Domain, false},
		{"SHA256", FileHashSHA256, false},
		{"  Domain ", Domain, false},
		{"ipv6", 0, true},
		{"sha512", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got, err := Classify(tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownIOCType) {
					t.Errorf("Classify(%q) error = %v, want ErrUnknownIOCType", tt.token, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Classify(%q) = %v, %v, want %v", tt.token, got, err, tt.want)
			}
		})
	}
}

func TestClassify_RoundTripsEveryKind(t *testing.T) {
	for _, k := range AllKinds {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
		if k.ObservableType() == "" || k.STIXType() == "" || k.PatternProperty() == "" {
			t.Errorf("%v has an incomplete kind table entry", k)
		}
		if k.IsHash() != (k.HashAlgorithm() != "") {
			t.Errorf("%v: IsHash and HashAlgorithm disagree", k)
		}
	}
	if IOCKind(99).Valid() {
		t.Error("IOCKind(99) should not be valid")
	}
}

func TestNormalizeAndValidate(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		kind    IOCKind
		want    string
		wantErr bool
	}{
		{"ip", " 198.51.100.4 ", IPv4, "198.51.100.4", false},
		{"ipv6 rejected", "2001:db8::1", IPv4, "", true},
		{"garbage ip", "999.1.1.1", IPv4, "", true},
		{"domain lowercased", "Evil.Example.COM.", Domain, "evil.example.com", false},
		{"md5 lowercased", "D41D8CD98F00B204E9800998ECF8427E", FileHashMD5, "d41d8cd98f00b204e9800998ecf8427e", false},
		{"short sha1", "abc123", FileHashSHA1, "", true},
		{"non hex sha256", "zz" + "0000000000000000000000000000000000000000000000000000000000000000"[:62], FileHashSHA256, "", true},
		{"url kept", "http://evil.example.com/Path?q=1", URL, "http://evil.example.com/Path?q=1", false},
		{"url with space", "http://a b", URL, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeIOCValue(tt.value, tt.kind)
			err := ValidateIOCValue(got, tt.kind)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedRow) {
					t.Errorf("error = %v, want ErrMalformedRow", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("normalized = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("url:https://evil.example.com:8443/x")
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}
	if k.Kind != URL || k.Value != "https://evil.example.com:8443/x" {
		t.Errorf("ParseKey = %+v", k)
	}
	if k.String() != "url:https://evil.example.com:8443/x" {
		t.Errorf("String = %q", k.String())
	}

	for _, bad := range []string{"", "ip", "ip:", "ftp:x"} {
		if _, err := ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) should fail", bad)
		}
	}
}
