package store

import "testing"

// Key shapes are a wire contract shared across process instances; these
// tests pin the exact format.
func TestKeyFormats(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{
			name: "sliding window",
			got:  WindowKey("turnstile", "apikey", "key-123"),
			want: "turnstile:apikey:window:key-123",
		},
		{
			name: "sliding window default namespace",
			got:  WindowKey("", "user", "u-9"),
			want: "turnstile:user:window:u-9",
		},
		{
			name: "fixed window",
			got:  FixedWindowKey("turnstile", "group", "g-1", 1756500000000),
			want: "turnstile:group:window:g-1:1756500000000",
		},
		{
			name: "daily ledger",
			got:  LedgerKey("turnstile", "apikey", SegmentDaily, "key-123", "2026-08-30"),
			want: "turnstile:apikey:daily:key-123:2026-08-30",
		},
		{
			name: "monthly ledger",
			got:  LedgerKey("acme", "user", SegmentMonthly, "u-9", "2026-08"),
			want: "acme:user:monthly:u-9:2026-08",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("key = %q, want %q", tt.got, tt.want)
			}
		})
	}
}
