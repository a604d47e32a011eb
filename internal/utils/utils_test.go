package utils

import (
	"reflect"
	"testing"
)

func TestStrSliceHas(t *testing.T) {
	tests := []struct {
		name  string
		slice []string
		item  string
		want  bool
	}{
		{
			name:  "exact match",
			slice: []string{"/usr/lib/libA.dylib", "/usr/lib/libB.dylib"},
			item:  "/usr/lib/libA.dylib",
			want:  true,
		},
		{
			name:  "case insensitive",
			slice: []string{"Foundation"},
			item:  "foundation",
			want:  true,
		},
		{
			name:  "missing",
			slice: []string{"a", "b"},
			item:  "c",
			want:  false,
		},
		{
			name:  "empty slice",
			slice: nil,
			item:  "a",
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StrSliceHas(tt.slice, tt.item); got != tt.want {
				t.Errorf("StrSliceHas(%v, %q) = %v, want %v", tt.slice, tt.item, got, tt.want)
			}
		})
	}
}

func TestUnique(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "dedup keeps first occurrence order",
			in:   []string{"b", "a", "b", "c", "a"},
			want: []string{"b", "a", "c"},
		},
		{
			name: "drops empty strings",
			in:   []string{"", "a", ""},
			want: []string{"a"},
		},
		{
			name: "already unique",
			in:   []string{"x", "y"},
			want: []string{"x", "y"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Unique(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Unique(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
