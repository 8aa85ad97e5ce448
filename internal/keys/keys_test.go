package keys

import "testing"

func TestKeys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"ip", FromIP("10.0.0.1"), "ip:10.0.0.1"},
		{"ipv6", FromIP("::1"), "ip:::1"},
		{"user", FromUser("42"), "user:42"},
		{"endpoint", FromEndpoint("/api/items"), "endpoint:/api/items"},
		{"custom", Custom("tenant", "acme", "reports"), "tenant:acme:reports"},
		{"custom no parts", Custom("tenant"), "tenant"},
		{"composite", Composite(FromUser("7"), "/api"), "user:7:/api"},
		{"composite empty", Composite(), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPrefixesDoNotCollide(t *testing.T) {
	if FromIP("1") == FromUser("1") {
		t.Error("ip and user keys for the same id must differ")
	}
}
