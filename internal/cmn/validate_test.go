package cmn

import "testing"

func TestValidateSelector(t *testing.T) {
	cases := []struct {
		selector string
		valid    bool
	}{
		{"/raw/%" + hash64(), true},
		{"/link/agent/type/%" + hash64(), true},
		{"/doc/~-1", true},
		{"/doc/~3", true},
		{"/bad selector", false},
		{"/bad!char", false},
		{"raw/%" + hash64(), false}, // missing leading slash
		{"/raw/%deadbeef", false},   // short hash
	}
	for _, c := range cases {
		err := ValidateSelector(c.selector)
		if (err == nil) != c.valid {
			t.Errorf("ValidateSelector(%q) error = %v, want valid=%v", c.selector, err, c.valid)
		}
	}
}

func TestValidateDomain(t *testing.T) {
	cases := []struct {
		domain string
		valid  bool
	}{
		{"default", true},
		{"my-domain-1", true},
		{"bad domain", false},
		{"bad/domain", false},
		{"", false},
	}
	for _, c := range cases {
		err := ValidateDomain(c.domain)
		if (err == nil) != c.valid {
			t.Errorf("ValidateDomain(%q) error = %v, want valid=%v", c.domain, err, c.valid)
		}
	}
}

func hash64() string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
