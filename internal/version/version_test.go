package version

import "testing"

func TestGet_LdflagsWin(t *testing.T) {
	oldV, oldC, oldD := Version, Commit, VCSDirty
	t.Cleanup(func() { Version, Commit, VCSDirty = oldV, oldC, oldD })

	dirty := true
	Version, Commit, VCSDirty = "v1.4.0", "0123456789abcdef", &dirty
	info := Get()
	if info.Version != "v1.4.0" || info.Commit != "0123456789abcdef" {
		t.Fatalf("info = %+v", info)
	}
	if info.VCSDirty == nil || !*info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}
}

func TestInfo_String(t *testing.T) {
	tests := []struct {
		in   Info
		want string
	}{
		{Info{Version: "v1", Commit: "0123456789abcdef"}, "v1 (0123456789ab)"},
		{Info{Version: "v1", Commit: "abc"}, "v1 (abc)"},
		{Info{Version: "dev"}, "dev (unknown)"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
