package nats

import "testing"

func TestSanitizeURIDefaults(t *testing.T) {
	tests := []struct {
		in, exp string
		err     bool
	}{
		{"nats://localhost:4222", "nats://localhost:4222", false},
		{"nats://localhost", "nats://localhost:4222", false},
		{" tls://svc.local:5000 ", "tls://svc.local:5000", false},
		{"localhost:5000", "nats://localhost:5000", false},
		{"nats://:4990", "nats://127.0.0.1:4990", false},
		{"ws://localhost:80", "", true},
		{"", "", true},
	}

	for _, test := range tests {
		got, err := SanitizeURI(test.in)
		if test.err {
			if err == nil {
				t.Errorf("%q: expected an error", test.in)
			}
			continue
		}

		if err != nil {
			t.Errorf("%q: %v", test.in, err)
			continue
		}

		if got != test.exp {
			t.Errorf("%q: expected %v, got %v", test.in, test.exp, got)
		}
	}
}
