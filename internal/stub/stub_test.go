package stub

import (
	"strings"
	"testing"

	"github.com/blacktop/go-macho/types"
)

func TestGenerateSource(t *testing.T) {
	src, err := GenerateSource([]string{"_OBJC_CLASS_$_Bar", "_foo"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"#undef NDEBUG",
		"#import <Foundation/Foundation.h>",
		"@interface Bar : NSObject",
		"@implementation Bar",
		"void foo(void)",
		`assert(!"unimplemented symbol 'foo'")`,
	} {
		if !strings.Contains(src, want) {
			t.Errorf("generated source missing %q:\n%s", want, src)
		}
	}
	if n := strings.Count(src, "@implementation Bar"); n != 1 {
		t.Errorf("class Bar defined %d times", n)
	}
	if n := strings.Count(src, "void foo(void)"); n != 1 {
		t.Errorf("function foo defined %d times", n)
	}
}

func TestGenerateSourceUnsupportedPrefix(t *testing.T) {
	if _, err := GenerateSource([]string{"misnamed"}); err == nil {
		t.Error("expected an error for a symbol without a leading underscore")
	}
}

func TestArchName(t *testing.T) {
	tests := []struct {
		cpu     types.CPU
		want    string
		wantErr bool
	}{
		{cpu: types.CPUI386, want: "i386"},
		{cpu: types.CPUAmd64, want: "x86_64"},
		{cpu: types.CPUArm, want: "armv7"},
		{cpu: types.CPUArm64, want: "arm64"},
		{cpu: types.CPU(18), wantErr: true}, // PowerPC

	}
	for _, tt := range tests {
		got, err := ArchName(tt.cpu)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ArchName(%v) expected error", tt.cpu)
			}
			continue
		}
		if err != nil {
			t.Errorf("ArchName(%v) unexpected error: %v", tt.cpu, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ArchName(%v) = %s, want %s", tt.cpu, got, tt.want)
		}
	}
}
