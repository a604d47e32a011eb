// Package stub synthesizes the placeholder dylib that satisfies imports
// orphaned by a removed dependency. Symbols are compiled from generated
// Objective-C so the result loads like any other Foundation-linked dylib;
// every placeholder aborts loudly if it is ever actually called.
package stub

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
)

const objcClassPrefix = "_OBJC_CLASS_$_"

// clang/lipo only ever see these four names; any other CPU type in the
// input is a hard error.
var archNames = map[types.CPU]string{
	types.CPUI386:  "i386",
	types.CPUAmd64: "x86_64",
	types.CPUArm:   "armv7",
	types.CPUArm64: "arm64",
}

// ArchName maps a Mach-O CPU type to the -arch flag clang expects.
func ArchName(cpu types.CPU) (string, error) {
	if name, ok := archNames[cpu]; ok {
		return name, nil
	}
	return "", fmt.Errorf("unsupported CPU type for stub dylib: %s", cpu)
}

// GenerateSource emits Objective-C defining each symbol exactly once.
// _OBJC_CLASS_$_<Name> becomes an empty NSObject subclass <Name>; any other
// _<name> becomes a void function that asserts. Assertions survive release
// builds because the source undefines NDEBUG first.
func GenerateSource(syms []string) (string, error) {
	var sb strings.Builder

	sb.WriteString("#undef NDEBUG\n")
	sb.WriteString("#include <assert.h>\n")
	sb.WriteString("#import <Foundation/Foundation.h>\n")

	for _, sym := range syms {
		switch {
		case strings.HasPrefix(sym, objcClassPrefix):
			name := strings.TrimPrefix(sym, objcClassPrefix)
			fmt.Fprintf(&sb, "\n@interface %s : NSObject\n@end\n@implementation %s\n@end\n", name, name)
		case strings.HasPrefix(sym, "_"):
			name := strings.TrimPrefix(sym, "_")
			fmt.Fprintf(&sb, "\nvoid %s(void) {\n    assert(!\"unimplemented symbol '%s'\");\n}\n", name, name)
		default:
			return "", fmt.Errorf("cannot stub symbol with unsupported prefix: %s", sym)
		}
	}

	return sb.String(), nil
}

// Build drives the external toolchain to produce the stub dylib.
type Build struct {
	Name        string   // fat stub file name (dylibify-stubs.dylib)
	InstallName string   // install name recorded in the stub (matches the load command the rewriter adds)
	OutDir      string   // scratch + final artifact directory (beside the rewriter's output)
	Symbols     []string // orphaned symbol names to define
}

// Thin compiles a single-architecture stub dylib and returns its path.
// Generated sources and thin dylibs are left in OutDir.
func (b *Build) Thin(cpu types.CPU) (string, error) {
	arch, err := ArchName(cpu)
	if err != nil {
		return "", err
	}

	src, err := GenerateSource(b.Symbols)
	if err != nil {
		return "", err
	}

	ext := filepath.Ext(b.Name)
	base := strings.TrimSuffix(b.Name, ext)
	srcPath := filepath.Join(b.OutDir, base+"."+arch+".m")
	dylibPath := filepath.Join(b.OutDir, base+"."+arch+ext)

	if err := os.WriteFile(srcPath, []byte(src), 0644); err != nil {
		return "", fmt.Errorf("failed to write stub source %s: %w", srcPath, err)
	}

	log.Debugf("Building stub dylib %s", dylibPath)
	cmd := exec.Command("clang",
		"-arch", arch,
		"-o", dylibPath,
		srcPath,
		"-shared",
		"-fobjc-arc",
		"-framework", "Foundation",
		"-Wl,-install_name,"+b.InstallName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("stub dylib build failed: %v: %s", err, out)
	}

	return dylibPath, nil
}

// Fat merges the per-arch stubs into the final universal stub dylib.
func (b *Build) Fat(thins []string) (string, error) {
	fatPath := filepath.Join(b.OutDir, b.Name)

	args := []string{"-create", "-output", fatPath}
	args = append(args, thins...)

	log.Debugf("Creating fat stub dylib %s", fatPath)
	cmd := exec.Command("lipo", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("fat stub dylib lipo failed: %v: %s", err, out)
	}

	return fatPath, nil
}
