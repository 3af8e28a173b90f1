package rfcomm

import "testing"

func TestMacFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", "AA:BB:CC:DD:EE:FF"},
		{"/org/bluez/hci0", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := macFromPath(tt.path); got != tt.want {
			t.Errorf("macFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
