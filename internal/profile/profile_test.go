package profile

import "testing"

func TestValidate(t *testing.T) {
	valid := Profile{
		Server:     "example.com",
		ServerPort: 8388,
		Method:     "aes-256-gcm",
		Password:   "hunter2",
		LocalPort:  1080,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid profile, got %v", err)
	}

	cases := []struct {
		name string
		mut  func(p Profile) Profile
	}{
		{"no server", func(p Profile) Profile { p.Server = ""; return p }},
		{"no port", func(p Profile) Profile { p.ServerPort = 0; return p }},
		{"bad method", func(p Profile) Profile { p.Method = "rot13"; return p }},
		{"no password", func(p Profile) Profile { p.Password = ""; return p }},
		{"no local port", func(p Profile) Profile { p.LocalPort = 0; return p }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.mut(valid)
			if err := p.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestWithDefaults(t *testing.T) {
	p := Profile{}.WithDefaults()
	if p.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Errorf("TimeoutSeconds = %d, want %d", p.TimeoutSeconds, DefaultTimeoutSeconds)
	}
	if p.LocalAddress != "127.0.0.1" {
		t.Errorf("LocalAddress = %q, want 127.0.0.1", p.LocalAddress)
	}
}

func TestRedacted(t *testing.T) {
	p := Profile{Password: "hunter2"}
	r := p.Redacted()
	if r.Password == "hunter2" {
		t.Fatalf("expected password to be redacted")
	}
	if p.Password != "hunter2" {
		t.Fatalf("expected original profile unmodified")
	}
}
