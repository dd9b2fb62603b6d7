package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringFallbacks(t *testing.T) {
	oldTag, oldCommit, oldDate := tag, commit, date
	t.Cleanup(func() { tag, commit, date = oldTag, oldCommit, oldDate })

	tag, commit, date = "", "unknown", "unknown"
	assert.Equal(t, "dev", String())
	assert.Equal(t, "dev", Full())

	commit, date = "abc1234", "2026-01-01"
	assert.Equal(t, "abc1234", String())
	assert.Equal(t, "abc1234 built 2026-01-01", Full())

	tag = "v0.3.0"
	assert.Equal(t, "v0.3.0", String())
	assert.Equal(t, "v0.3.0 (abc1234) built 2026-01-01", Full())
	assert.Equal(t, Info{Version: "v0.3.0", Commit: "abc1234", Date: "2026-01-01"}, Get())
}
