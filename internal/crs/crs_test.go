package crs

import "testing"

func TestRejectUnsupportedAcceptsWGS84(t *testing.T) {
	if err := RejectUnsupported("EPSG:4326"); err != nil {
		t.Errorf("RejectUnsupported(EPSG:4326) = %v, want nil", err)
	}
	if err := RejectUnsupported("4326"); err != nil {
		t.Errorf("RejectUnsupported(4326) = %v, want nil", err)
	}
}

func TestRejectUnsupportedRejectsProjected(t *testing.T) {
	// EPSG:3857 is Web Mercator, a projected CRS; the tile grid is
	// degree-only so this must be rejected outright.
	err := RejectUnsupported("EPSG:3857")
	if err == nil {
		t.Fatal("RejectUnsupported(EPSG:3857) = nil, want UnsupportedTargetCRSError")
	}
	var target *UnsupportedTargetCRSError
	if !asUnsupported(err, &target) {
		t.Fatalf("RejectUnsupported(EPSG:3857) error = %v, want *UnsupportedTargetCRSError", err)
	}
}

func TestRejectUnsupportedRejectsGarbage(t *testing.T) {
	if err := RejectUnsupported("not-a-crs"); err == nil {
		t.Error("RejectUnsupported(not-a-crs) = nil, want error")
	}
}

func TestNormalizeEPSG(t *testing.T) {
	cases := map[string]string{
		"EPSG:4326": "4326",
		"epsg:4326": "4326",
		"4326":      "4326",
		"":          "",
		"EPSG:":     "",
		"abc":       "",
	}
	for in, want := range cases {
		if got := normalizeEPSG(in); got != want {
			t.Errorf("normalizeEPSG(%q) = %q, want %q", in, got, want)
		}
	}
}

func asUnsupported(err error, target **UnsupportedTargetCRSError) bool {
	e, ok := err.(*UnsupportedTargetCRSError)
	if ok {
		*target = e
	}
	return ok
}
