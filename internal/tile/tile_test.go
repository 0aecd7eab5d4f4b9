package tile

import "testing"

func TestParseFormatRoundTrip(t *testing.T) {
	for lat := -90; lat <= 89; lat++ {
		for lon := -180; lon <= 179; lon += 7 { // sample every 7th lon to keep the test fast
			id := ID{Lat: lat, Lon: lon}
			name := id.Format()

			got, err := Parse(name)
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", name, err)
			}
			if got != id {
				t.Errorf("round trip mismatch: %v -> %q -> %v", id, name, got)
			}
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"", "47+008", "+47008", "+470+08", "+AB+008", "++47+008",
		"+90+008", // lat out of range (max 89)
		"-91+008", // lat out of range (min -90)
		"+47+180", // lon out of range (max 179)
		"+47-181", // lon out of range (min -180)
	}
	for _, name := range cases {
		if _, err := Parse(name); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", name)
		}
	}
}

func TestFormatCanonicalShape(t *testing.T) {
	got := ID{Lat: 5, Lon: 8}.Format()
	if got != "+05+008" {
		t.Errorf("Format() = %q, want +05+008", got)
	}
}

func TestBucketOfNegativeFloors(t *testing.T) {
	id, err := Parse("-03+017")
	if err != nil {
		t.Fatal(err)
	}
	b := BucketOf(id)
	if b.Format() != "-10+010" {
		t.Errorf("BucketOf(-03+017) = %q, want -10+010", b.Format())
	}
}

func TestBucketOfPositive(t *testing.T) {
	id, err := Parse("+47+008")
	if err != nil {
		t.Fatal(err)
	}
	b := BucketOf(id)
	if b.Format() != "+40+000" {
		t.Errorf("BucketOf(+47+008) = %q, want +40+000", b.Format())
	}
}

func TestBucketContainsItsTiles(t *testing.T) {
	for lat := -90; lat <= 89; lat++ {
		for lon := -180; lon <= 179; lon += 3 {
			id := ID{Lat: lat, Lon: lon}
			b := BucketOf(id)
			if !b.Contains(id) {
				t.Errorf("bucket %v does not contain its own tile %v", b, id)
			}
			if b.Lat%10 != 0 || b.Lon%10 != 0 {
				t.Errorf("bucket %v is not a multiple of 10", b)
			}
		}
	}
}

func TestBoundsMatchSpec(t *testing.T) {
	id := ID{Lat: -3, Lon: 17}
	minLon, minLat, maxLon, maxLat := id.Bounds()
	if minLon != 17 || minLat != -3 || maxLon != 18 || maxLat != -2 {
		t.Errorf("Bounds() = (%v,%v,%v,%v), want (17,-3,18,-2)", minLon, minLat, maxLon, maxLat)
	}
}
