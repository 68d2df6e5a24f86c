package utils

import "testing"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		want    uint64
		wantErr bool
	}{
		{"with 0x prefix", "0x180028000", 0x180028000, false},
		{"with 0X prefix", "0X180028000", 0x180028000, false},
		{"without prefix", "180028000", 0x180028000, false},
		{"digits only is still hex", "1000", 0x1000, false},
		{"mixed case", "0xDeadBeef", 0xdeadbeef, false},
		{"zero", "0", 0, false},
		{"empty", "", 0, true},
		{"bare prefix", "0x", 0, true},
		{"not a number", "zzz", 0, true},
		{"negative", "-1", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAddress(%q) error = %v, wantErr %t", tt.addr, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseAddress(%q) = %#x, want %#x", tt.addr, got, tt.want)
			}
		})
	}
}

func TestStrSliceContains(t *testing.T) {
	tests := []struct {
		name  string
		slice []string
		item  string
		want  bool
	}{
		{"exact match", []string{"dyld_v1   arm64"}, "dyld_v1   arm64", true},
		{"case insensitive", []string{"dyld_v1  ARM64e"}, "dyld_v1  arm64e", true},
		{"no match", []string{"dyld_v1   arm64"}, "dyld_v2   arm64", false},
		{"empty slice", nil, "anything", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StrSliceContains(tt.slice, tt.item); got != tt.want {
				t.Errorf("StrSliceContains(%v, %q) = %t, want %t", tt.slice, tt.item, got, tt.want)
			}
		})
	}
}
