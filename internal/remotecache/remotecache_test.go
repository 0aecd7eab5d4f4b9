package remotecache

import "testing"

func TestClientKeyJoinsBucketPath(t *testing.T) {
	c := &Client{bucketPath: "normalized-cache"}
	got := c.key("ab/cd/entry.tif")
	want := "normalized-cache/ab/cd/entry.tif"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestClientKeyWithEmptyBucketPath(t *testing.T) {
	c := &Client{bucketPath: ""}
	got := c.key("reports/build_report.json")
	want := "reports/build_report.json"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}
