// Package dylibify rewrites a Mach-O executable image into a dylib that can
// be dlopen'd by another process. Dependencies the target host is missing
// can be stripped, with their imports retargeted at a generated stub dylib
// that defines a loud placeholder for every orphaned symbol.
package dylibify

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unsafe"

	"github.com/apex/log"
	"github.com/blacktop/dylibify/internal/dlopen"
	"github.com/blacktop/dylibify/internal/magic"
	"github.com/blacktop/dylibify/internal/stub"
	"github.com/blacktop/dylibify/internal/utils"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/go-plist"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// StubName is the file name of the synthesized stub dylib, written beside
// the rewritten output and referenced from each slice's stub load command.
const StubName = "dylibify-stubs.dylib"

// Config describes a single rewrite.
type Config struct {
	Input           string   // Mach-O executable to convert (thin or fat)
	Output          string   // dylib (or fat dylib) to write
	DylibPath       string   // LC_ID_DYLIB path; defaults to @executable_path/<basename(Output)>
	RemoveDylibs    []string // dependencies to remove explicitly
	AutoRemove      bool     // also remove every dependency the host loader can't resolve
	RemoveInfoPlist bool     // drop the __TEXT,__info_plist section
	IOS             bool     // retarget platform to iOS 11.0
	MacOS           bool     // retarget platform to macOS 11.0
	Verbose         bool
}

type sliceResult struct {
	cpu     types.CPU
	orphans []string
}

// bytePatch is a write-back edit applied to a slice after go-macho has
// serialized it; used for the ordinal remap tables, whose file offsets
// load-command surgery leaves untouched.
type bytePatch struct {
	off  int64
	data []byte
}

type depDylib struct {
	name string
	load macho.Load
}

// Dylibify converts conf.Input into a dylib at conf.Output. On any failure
// no output file is produced.
func Dylibify(conf *Config) error {
	if conf.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	if conf.IOS && conf.MacOS {
		return fmt.Errorf("--ios and --macos are mutually exclusive")
	}
	if ok, err := magic.IsMachO(conf.Input); !ok {
		return err
	}
	if conf.AutoRemove && !dlopen.Supported {
		log.Warn("host dynamic loader can't be probed from this build; --auto-remove-dylibs will not remove anything")
	}

	idPath := conf.DylibPath
	if idPath == "" {
		idPath = "@executable_path/" + filepath.Base(conf.Output)
	}
	// the stub lives beside whatever the identity path points at, so the
	// loader finds it the same way it finds the dylib itself
	stubPath := path.Join(path.Dir(idPath), StubName)
	outDir := filepath.Dir(conf.Output)

	removed := make(map[string]bool) // explicit targets seen in at least one slice
	var results []*sliceResult
	var slices []string
	isFat := false

	defer func() {
		for _, s := range slices {
			os.Remove(s)
		}
	}()

	if fat, err := macho.OpenFat(conf.Input); err == nil { // UNIVERSAL MACHO
		defer fat.Close()
		isFat = true
		for _, arch := range fat.Arches {
			log.WithField("arch", strings.ToLower(arch.SubCPU.String(arch.CPU))).Info("Rewriting slice")
			tmp, res, err := rewriteSlice(arch.File, conf, idPath, stubPath, outDir, removed)
			if err != nil {
				return fmt.Errorf("failed to rewrite %s slice: %v", arch.SubCPU.String(arch.CPU), err)
			}
			slices = append(slices, tmp)
			results = append(results, res)
		}
	} else {
		if !errors.Is(err, macho.ErrNotFat) {
			return fmt.Errorf("failed to open MachO file: %v", err)
		}
		m, err := macho.Open(conf.Input)
		if err != nil {
			return fmt.Errorf("failed to open MachO file: %v", err)
		}
		defer m.Close()
		tmp, res, err := rewriteSlice(m, conf, idPath, stubPath, outDir, removed)
		if err != nil {
			return err
		}
		slices = append(slices, tmp)
		results = append(results, res)
	}

	for _, name := range utils.Unique(conf.RemoveDylibs) {
		if !removed[name] {
			return fmt.Errorf("asked to remove dylib '%s' but it wasn't found in the imports", name)
		}
	}

	// synthesize the stub before the rewritten image is serialized, so a
	// toolchain failure leaves no output behind
	thins := make([]string, len(results))
	var eg errgroup.Group
	for i, res := range results {
		if len(res.orphans) == 0 {
			continue
		}
		eg.Go(func() error {
			b := &stub.Build{
				Name:        StubName,
				InstallName: stubPath,
				OutDir:      outDir,
				Symbols:     res.orphans,
			}
			thin, err := b.Thin(res.cpu)
			if err != nil {
				return err
			}
			thins[i] = thin
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("failed to build stub dylib: %v", err)
	}
	var built []string
	for _, t := range thins {
		if t != "" {
			built = append(built, t)
		}
	}
	if len(built) > 0 {
		b := &stub.Build{Name: StubName, OutDir: outDir}
		fatStub, err := b.Fat(built)
		if err != nil {
			return err
		}
		log.Infof("Created stub dylib %s", fatStub)
	}

	if isFat {
		ff, err := macho.CreateFat(conf.Output, slices...)
		if err != nil {
			return fmt.Errorf("failed to create fat file: %v", err)
		}
		ff.Close()
	} else {
		if err := utils.Cp(slices[0], conf.Output); err != nil {
			return fmt.Errorf("failed to write %s: %v", conf.Output, err)
		}
	}
	log.Infof("Created %s", conf.Output)

	return nil
}

// rewriteSlice applies the whole per-slice pipeline: snapshot, header and
// load-command surgery, removal-set computation, ordinal remap, and
// serialization into a temp file (with the remap byte-patched in). The
// returned result carries what the stub build needs.
func rewriteSlice(m *macho.File, conf *Config, idPath, stubPath, outDir string, removed map[string]bool) (string, *sliceResult, error) {
	// snapshot the ordinal namespace and each import's origin library
	// before any mutation
	deps := dependencyDylibs(m)
	origLibs := make(map[string]macho.Load, len(deps))
	origOrd := make(map[string]int, len(deps))
	for i, d := range deps {
		origLibs[d.name] = d.load
		origOrd[d.name] = i + 1
	}

	origSymLibs := make(map[string]string)
	if binds, err := m.GetBindInfo(); err == nil {
		for _, bind := range binds {
			if bind.Dylib != "" {
				origSymLibs[bind.Name] = bind.Dylib
			}
		}
	}
	if m.Symtab != nil {
		for _, sym := range m.Symtab.Syms {
			if sym.Type.IsDebugSym() || !sym.Type.IsUndefinedSym() {
				continue
			}
			ord := GetLibraryOrdinal(uint16(sym.Desc))
			if sentinelOrdinal(ord) || int(ord) > len(deps) {
				continue
			}
			if _, ok := origSymLibs[sym.Name]; !ok {
				origSymLibs[sym.Name] = deps[ord-1].name
			}
		}
	}

	if m.FileHeader.Type != types.MH_EXECUTE {
		return "", nil, fmt.Errorf("input is of type %s; only executables can be dylibified", m.FileHeader.Type)
	}
	log.Debug("Changing Mach-O type from executable to dylib")
	m.FileHeader.Type = types.MH_DYLIB
	log.Debug("Adding NO_REEXPORTED_DYLIBS flag")
	m.FileHeader.Flags.Set(types.NoReexportedDylibs, true)

	if cs := m.CodeSignature(); cs != nil {
		log.Debug("Removing code signature")
		if err := m.RemoveLoad(cs); err != nil {
			return "", nil, fmt.Errorf("failed to remove code signature: %v", err)
		}
	}
	if pz := m.Segment("__PAGEZERO"); pz != nil {
		log.Debug("Removing __PAGEZERO segment")
		if err := m.RemoveLoad(pz); err != nil {
			return "", nil, fmt.Errorf("failed to remove __PAGEZERO: %v", err)
		}
	}

	log.Debugf("Setting LC_ID_DYLIB path to '%s'", idPath)
	m.AddLoad(&macho.Dylib{
		DylibCmd: types.DylibCmd{
			LoadCmd:        types.LC_ID_DYLIB,
			Len:            pointerAlign(uint32(binary.Size(types.DylibCmd{}) + len(idPath) + 1)),
			NameOffset:     0x18,
			Timestamp:      2,
			CurrentVersion: mustVersion("1.0.0"),
			CompatVersion:  mustVersion("1.0.0"),
		},
		Name: idPath,
	})

	var patches []bytePatch

	if conf.RemoveInfoPlist {
		if sec := m.Section("__TEXT", "__info_plist"); sec != nil {
			logInfoPlist(sec)
			log.Debug("Removing __TEXT,__info_plist section")
			removeSection(m, "__TEXT", "__info_plist")
			patches = append(patches, bytePatch{off: int64(sec.Offset), data: make([]byte, sec.Size)})
		}
	}

	for _, lc := range m.GetLoadsByName("LC_LOAD_DYLINKER") {
		log.Debug("Removing LC_LOAD_DYLINKER command")
		if err := m.RemoveLoad(lc); err != nil {
			return "", nil, fmt.Errorf("failed to remove LC_LOAD_DYLINKER: %v", err)
		}
	}
	for _, lc := range m.GetLoadsByName("LC_MAIN") {
		log.Debug("Removing LC_MAIN command")
		if err := m.RemoveLoad(lc); err != nil {
			return "", nil, fmt.Errorf("failed to remove LC_MAIN: %v", err)
		}
	}
	if sv := m.SourceVersion(); sv != nil {
		log.Debug("Removing LC_SOURCE_VERSION command")
		if err := m.RemoveLoad(sv); err != nil {
			return "", nil, fmt.Errorf("failed to remove LC_SOURCE_VERSION: %v", err)
		}
	}

	if conf.IOS || conf.MacOS {
		for _, name := range []string{
			"LC_VERSION_MIN_MACOSX",
			"LC_VERSION_MIN_IPHONEOS",
			"LC_VERSION_MIN_TVOS",
			"LC_VERSION_MIN_WATCHOS",
			"LC_BUILD_VERSION",
		} {
			for _, lc := range m.GetLoadsByName(name) {
				log.Debugf("Removing %s command (%s)", name, lc)
				if err := m.RemoveLoad(lc); err != nil {
					return "", nil, fmt.Errorf("failed to remove %s: %v", name, err)
				}
			}
		}
		platName := "macos"
		if conf.IOS {
			platName = "ios"
		}
		platform, err := types.GetPlatformByName(platName)
		if err != nil {
			return "", nil, fmt.Errorf("failed to resolve platform %s: %v", platName, err)
		}
		log.Debugf("Adding LC_BUILD_VERSION command (platform: %s, minos: 11.0.0, sdk: 11.0.0)", platName)
		m.AddLoad(&macho.BuildVersion{
			BuildVersionCmd: types.BuildVersionCmd{
				LoadCmd:  types.LC_BUILD_VERSION,
				Len:      uint32(binary.Size(types.BuildVersionCmd{})),
				Platform: platform,
				Minos:    mustVersion("11.0.0"),
				Sdk:      mustVersion("11.0.0"),
				NumTools: 0,
			},
		})
	}

	// removal set: explicit targets plus, with auto-remove, everything the
	// host loader can't resolve right now
	removeSet := make(map[string]bool)
	for _, name := range utils.Unique(conf.RemoveDylibs) {
		if _, ok := origLibs[name]; !ok {
			continue // may exist in another slice; the driver validates at the end
		}
		removeSet[name] = true
		removed[name] = true
	}
	if conf.AutoRemove {
		for _, d := range deps {
			if removeSet[d.name] {
				continue
			}
			if !dlopen.Available(d.name) {
				log.Debugf("Marking unavailable dylib '%s' for removal", d.name)
				removeSet[d.name] = true
			}
		}
	}

	var orphans []string
	for sym, lib := range origSymLibs {
		if removeSet[lib] {
			log.Debugf("Marking symbol '%s' from dylib '%s' for stubbing", sym, lib)
			orphans = append(orphans, sym)
		}
	}
	orphans = utils.Unique(orphans)
	sort.Strings(orphans)

	for _, name := range sortedKeys(removeSet) {
		log.Debugf("Removing dependent dylib '%s'", name)
		if err := m.RemoveLoad(origLibs[name]); err != nil {
			return "", nil, fmt.Errorf("failed to remove dylib command for '%s': %v", name, err)
		}
	}
	if len(orphans) > 0 {
		log.Debugf("Adding stub library import '%s'", stubPath)
		m.AddLoad(&macho.Dylib{
			DylibCmd: types.DylibCmd{
				LoadCmd:        types.LC_LOAD_DYLIB,
				Len:            pointerAlign(uint32(binary.Size(types.DylibCmd{}) + len(stubPath) + 1)),
				NameOffset:     0x18,
				Timestamp:      2,
				CurrentVersion: mustVersion("1.0.0"),
				CompatVersion:  mustVersion("1.0.0"),
			},
			Name: stubPath,
		})
	}

	// the remap is computed once and applied uniformly to the bind opcode
	// streams and the classic symbol table
	newOrd := make(map[string]int)
	for i, d := range dependencyDylibs(m) {
		newOrd[d.name] = i + 1
	}
	remap, err := buildRemap(origOrd, newOrd, removeSet, stubPath)
	if err != nil {
		return "", nil, err
	}

	if len(removeSet) > 0 {
		remapped, err := remapPatches(m, remap)
		if err != nil {
			return "", nil, err
		}
		patches = append(patches, remapped...)
	}

	tmp, err := os.CreateTemp(outDir, "dylibify_"+strings.ReplaceAll(strings.ToLower(m.CPU.String()), " ", "_"))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %v", err)
	}
	tmp.Close()
	if err := m.Save(tmp.Name()); err != nil {
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("failed to save rewritten MachO: %v", err)
	}
	if err := applyPatches(tmp.Name(), patches); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}

	return tmp.Name(), &sliceResult{cpu: m.CPU, orphans: orphans}, nil
}

// buildRemap computes the old→new ordinal injection. A removed dylib's
// ordinal maps to the stub's ordinal; when no stub was added (nothing was
// orphaned) the ordinal is left unmapped and the remappers flag any
// straggling reference to it.
func buildRemap(origOrd, newOrd map[string]int, removeSet map[string]bool, stubPath string) (map[int]int, error) {
	remap := make(map[int]int, len(origOrd))
	stubOrd, hasStub := newOrd[stubPath]
	for name, old := range origOrd {
		if n, ok := newOrd[name]; ok {
			remap[old] = n
			continue
		}
		if !removeSet[name] {
			return nil, fmt.Errorf("dylib '%s' lost its load command without being marked for removal", name)
		}
		if hasStub {
			remap[old] = stubOrd
		}
	}
	return remap, nil
}

// remapPatches turns the ordinal remap into byte edits against the bind
// and lazy-bind opcode streams and the symtab's packed n_desc ordinals.
func remapPatches(m *macho.File, remap map[int]int) ([]bytePatch, error) {
	var patches []bytePatch

	for _, n := range remap {
		if n > int(uint8(types.MAX_LIBRARY_ORDINAL)) {
			return nil, fmt.Errorf("remapped library ordinal %d exceeds the Mach-O maximum", n)
		}
	}

	bindOff, bindSize, lazyOff, lazySize, hasDyldInfo := dyldInfoOffsets(m)
	if !hasDyldInfo && m.HasFixups() {
		return nil, fmt.Errorf("input uses LC_DYLD_CHAINED_FIXUPS; removing dependencies from chained-fixup binaries is not supported")
	}
	for _, tbl := range []struct {
		name string
		off  uint32
		size uint32
	}{
		{"binding", bindOff, bindSize},
		{"lazy binding", lazyOff, lazySize},
	} {
		if tbl.size == 0 {
			continue
		}
		data := make([]byte, tbl.size)
		if _, err := m.ReadAt(data, int64(tbl.off)); err != nil {
			return nil, fmt.Errorf("failed to read %s info: %v", tbl.name, err)
		}
		log.Debugf("Updating library ordinals in %s info", tbl.name)
		rebound, err := remapBindOrdinals(data, remap)
		if err != nil {
			return nil, fmt.Errorf("failed to rewrite %s info: %v", tbl.name, err)
		}
		if !bytes.Equal(data, rebound) {
			patches = append(patches, bytePatch{off: int64(tbl.off), data: rebound})
		}
	}

	if m.Symtab != nil && m.Symtab.Nsyms > 0 {
		log.Debug("Updating library ordinals in symtab")
		symSize := int64(16)
		if m.Magic == types.Magic32 {
			symSize = 12
		}
		for i, sym := range m.Symtab.Syms {
			if sym.Type.IsDebugSym() || !sym.Type.IsUndefinedSym() {
				continue
			}
			old := GetLibraryOrdinal(uint16(sym.Desc))
			if sentinelOrdinal(old) {
				continue
			}
			n, ok := remap[int(old)]
			if !ok {
				return nil, fmt.Errorf("symbol '%s' references library ordinal %d which has no image after rewrite", sym.Name, old)
			}
			if int(old) == n {
				continue
			}
			desc := make([]byte, 2)
			m.ByteOrder.PutUint16(desc, SetLibraryOrdinal(uint16(sym.Desc), uint8(n)))
			patches = append(patches, bytePatch{
				off:  int64(m.Symtab.Symoff) + int64(i)*symSize + 6, // n_desc
				data: desc,
			})
		}
	}

	return patches, nil
}

// dependencyDylibs returns the dependency load commands in load order,
// excluding the identity command; a dylib's 1-based position here is its
// library ordinal.
func dependencyDylibs(m *macho.File) []depDylib {
	var deps []depDylib
	for _, l := range m.Loads {
		switch d := l.(type) {
		case *macho.Dylib:
			if d.Command() == types.LC_ID_DYLIB {
				break // the identity command is never counted in ordinals
			}
			deps = append(deps, depDylib{name: d.Name, load: l})
		case *macho.WeakDylib:
			deps = append(deps, depDylib{name: d.Name, load: l})
		case *macho.ReExportDylib:
			deps = append(deps, depDylib{name: d.Name, load: l})
		case *macho.LazyLoadDylib:
			deps = append(deps, depDylib{name: d.Name, load: l})
		case *macho.UpwardDylib:
			deps = append(deps, depDylib{name: d.Name, load: l})
		}
	}
	return deps
}

func dyldInfoOffsets(m *macho.File) (bindOff, bindSize, lazyOff, lazySize uint32, ok bool) {
	for _, l := range m.Loads {
		switch d := l.(type) {
		case *macho.DyldInfo:
			return d.BindOff, d.BindSize, d.LazyBindOff, d.LazyBindSize, true
		case *macho.DyldInfoOnly:
			return d.BindOff, d.BindSize, d.LazyBindOff, d.LazyBindSize, true
		}
	}
	return 0, 0, 0, 0, false
}

// removeSection drops a section header from the TOC (the inverse of
// FileTOC.AddSection); the section's file contents are zeroed separately.
func removeSection(m *macho.File, segName, secName string) {
	secSize := uint32(unsafe.Sizeof(types.Section64{}))
	if m.Magic == types.Magic32 {
		secSize = uint32(unsafe.Sizeof(types.Section32{}))
	}
	for i, sec := range m.Sections {
		if sec.Seg != segName || sec.Name != secName {
			continue
		}
		m.Sections = append(m.Sections[:i], m.Sections[i+1:]...)
		for _, seg := range m.Segments() {
			if seg.Name == segName {
				seg.Nsect--
				seg.Len -= secSize
			} else if seg.Firstsect > uint32(i) {
				seg.Firstsect--
			}
		}
		m.SizeCommands -= secSize
		return
	}
}

func logInfoPlist(sec *types.Section) {
	data, err := sec.Data()
	if err != nil {
		return
	}
	var info struct {
		BundleID string `plist:"CFBundleIdentifier,omitempty"`
	}
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(&info); err == nil && info.BundleID != "" {
		log.Debugf("Removing embedded Info.plist (CFBundleIdentifier: %s)", info.BundleID)
	}
}

func applyPatches(path string, patches []bytePatch) error {
	if len(patches) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s for patching: %v", path, err)
	}
	defer f.Close()
	for _, p := range patches {
		if _, err := f.WriteAt(p.data, p.off); err != nil {
			return fmt.Errorf("failed to patch %s at offset %#x: %v", path, p.off, err)
		}
	}
	return nil
}

func pointerAlign(sz uint32) uint32 {
	if (sz % 8) != 0 {
		sz += 8 - (sz % 8)
	}
	return sz
}

func mustVersion(s string) types.Version {
	var v types.Version
	if err := v.Set(s); err != nil {
		panic(err)
	}
	return v
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
