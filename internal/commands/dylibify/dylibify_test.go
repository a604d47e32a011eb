package dylibify

import (
	"reflect"
	"testing"
)

func TestBuildRemapCompaction(t *testing.T) {
	origOrd := map[string]int{
		"/usr/lib/libA.dylib": 1,
		"/usr/lib/libB.dylib": 2,
		"/usr/lib/libC.dylib": 3,
	}
	// libB removed with no orphaned imports: no stub, ordinals compact
	newOrd := map[string]int{
		"/usr/lib/libA.dylib": 1,
		"/usr/lib/libC.dylib": 2,
	}
	remap, err := buildRemap(origOrd, newOrd, map[string]bool{"/usr/lib/libB.dylib": true}, "@executable_path/"+StubName)
	if err != nil {
		t.Fatal(err)
	}
	want := map[int]int{1: 1, 3: 2}
	if !reflect.DeepEqual(remap, want) {
		t.Errorf("buildRemap() = %v, want %v", remap, want)
	}
}

func TestBuildRemapRemovedMapsToStub(t *testing.T) {
	stubPath := "@executable_path/" + StubName
	origOrd := map[string]int{
		"/usr/lib/libSystem.B.dylib": 1,
		"/usr/lib/libA.dylib":        2,
		"/usr/lib/libB.dylib":        3,
	}
	newOrd := map[string]int{
		"/usr/lib/libSystem.B.dylib": 1,
		"/usr/lib/libB.dylib":        2,
		stubPath:                     3,
	}
	remap, err := buildRemap(origOrd, newOrd, map[string]bool{"/usr/lib/libA.dylib": true}, stubPath)
	if err != nil {
		t.Fatal(err)
	}
	want := map[int]int{1: 1, 2: 3, 3: 2}
	if !reflect.DeepEqual(remap, want) {
		t.Errorf("buildRemap() = %v, want %v", remap, want)
	}
}

func TestBuildRemapSurvivorsKeepIdentity(t *testing.T) {
	origOrd := map[string]int{"/usr/lib/libSystem.B.dylib": 1}
	newOrd := map[string]int{"/usr/lib/libSystem.B.dylib": 1}
	remap, err := buildRemap(origOrd, newOrd, map[string]bool{}, "@executable_path/"+StubName)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(remap, map[int]int{1: 1}) {
		t.Errorf("buildRemap() = %v, want identity", remap)
	}
}

func TestBuildRemapUnexplainedLoss(t *testing.T) {
	origOrd := map[string]int{"/usr/lib/libA.dylib": 1}
	if _, err := buildRemap(origOrd, map[string]int{}, map[string]bool{}, "@executable_path/"+StubName); err == nil {
		t.Error("expected an error when a dylib disappears without being marked for removal")
	}
}

func TestPointerAlign(t *testing.T) {
	tests := []struct {
		in   uint32
		want uint32
	}{
		{in: 0, want: 0},
		{in: 1, want: 8},
		{in: 8, want: 8},
		{in: 0x18 + 21, want: 0x30},
		{in: 63, want: 64},
	}
	for _, tt := range tests {
		if got := pointerAlign(tt.in); got != tt.want {
			t.Errorf("pointerAlign(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSortedKeys(t *testing.T) {
	set := map[string]bool{"b": true, "a": true, "c": true}
	if got := sortedKeys(set); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("sortedKeys() = %v", got)
	}
}
