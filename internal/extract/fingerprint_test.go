package extract

import "testing"

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		want string
	}{
		{
			name: "asset query param",
			ref:  "https://cdn.example.com/stream?asset=abc123&sig=zzz",
			want: "abc123",
		},
		{
			name: "id query param",
			ref:  "https://cdn.example.com/play?id=0123456789abcdef",
			want: "0123456789abcdef",
		},
		{
			name: "content query param",
			ref:  "https://cdn.example.com/v?content=deadbeef",
			want: "deadbeef",
		},
		{
			name: "uuid in path",
			ref:  "https://cdn.example.com/v/9f1c2e4a-1b2c-4d5e-8f9a-0b1c2d3e4f5a/master.mp4",
			want: "9f1c2e4a-1b2c-4d5e-8f9a-0b1c2d3e4f5a",
		},
		{
			name: "hex digest in path",
			ref:  "https://cdn.example.com/v/0123456789abcdef0123.mp4",
			want: "0123456789abcdef0123",
		},
		{
			name: "same digest different host",
			ref:  "https://mirror.example.net/media/0123456789abcdef0123.mp4",
			want: "0123456789abcdef0123",
		},
		{
			name: "blob reference with embedded digest",
			ref:  "blob:0123456789abcdef0123456789abcdef",
			want: "0123456789abcdef0123456789abcdef",
		},
		{
			name: "nothing recognizable falls back to raw",
			ref:  "https://cdn.example.com/latest.mp4",
			want: "https://cdn.example.com/latest.mp4",
		},
		{
			name: "empty",
			ref:  "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fingerprint(tt.ref); got != tt.want {
				t.Errorf("Fingerprint(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}

func TestFingerprintStableAcrossHosts(t *testing.T) {
	a := Fingerprint("https://cdn-a.example.com/v/0123456789abcdef0123.mp4")
	b := Fingerprint("https://cdn-b.example.com/stream?asset=0123456789abcdef0123")
	if a != b {
		t.Errorf("expected identical fingerprints, got %q and %q", a, b)
	}
}
