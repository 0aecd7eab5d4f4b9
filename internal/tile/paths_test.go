package tile

import (
	"path/filepath"
	"testing"
)

func TestDSFPathBucketFolder(t *testing.T) {
	id, err := Parse("-03+017")
	if err != nil {
		t.Fatal(err)
	}
	got := DSFPath("/root", id)
	want := filepath.Join("/root", "Earth nav data", "-10+010", "-03+017.dsf")
	if got != want {
		t.Errorf("DSFPath() = %q, want %q", got, want)
	}
}

func TestHGTNameCardinalLetters(t *testing.T) {
	cases := []struct {
		id   ID
		want string
	}{
		{ID{Lat: 47, Lon: 8}, "N47E008"},
		{ID{Lat: -3, Lon: 17}, "S03E017"},
		{ID{Lat: 47, Lon: -8}, "N47W008"},
		{ID{Lat: -3, Lon: -17}, "S03W017"},
	}
	for _, c := range cases {
		if got := HGTName(c.id); got != c.want {
			t.Errorf("HGTName(%v) = %q, want %q", c.id, got, c.want)
		}
	}
}

func TestElevationPathUsesHGTName(t *testing.T) {
	id := ID{Lat: 47, Lon: 8}
	got := ElevationPath("/root", id, ".tif")
	want := filepath.Join("/root", "Elevation_data", "+40+000", "N47E008.tif")
	if got != want {
		t.Errorf("ElevationPath() = %q, want %q", got, want)
	}
}
