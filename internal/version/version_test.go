package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionStrings(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.Contains(t, Short(), Version)
	assert.Contains(t, Detailed(), Revision)
	assert.Contains(t, UserAgent(), "mirall/"+Version)
	assert.Contains(t, UserAgent(), AppName)
}

func TestFillFromBuildSettings(t *testing.T) {
	origVersion, origRevision, origBuildDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = origVersion, origRevision, origBuildDate
	})

	Version, Revision, BuildDate = devVersion, "HEAD", ""
	fillFromBuildSettings("v2.3.4", map[string]string{
		"vcs.revision": "abc123",
		"vcs.modified": "true",
		"vcs.time":     "2026-01-02T03:04:05Z",
	})
	assert.Equal(t, "2.3.4", Version)
	assert.Equal(t, "abc123-dirty", Revision)
	assert.Equal(t, "2026-01-02T03:04:05Z", BuildDate)

	Version, Revision, BuildDate = "1.0.0", "deadbeef", "ldflags"
	fillFromBuildSettings("v2.3.4", map[string]string{"vcs.revision": "abc123", "vcs.time": "x"})
	assert.Equal(t, "1.0.0", Version)
	assert.Equal(t, "deadbeef", Revision)
	assert.Equal(t, "ldflags", BuildDate)
}
