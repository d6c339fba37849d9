package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTemp_CreatesOwnedEmptyFile(t *testing.T) {
	dir := t.TempDir()

	a, err := NewTemp(dir)
	require.NoError(t, err)
	assert.True(t, a.Owned())
	assert.Equal(t, dir, filepath.Dir(a.Path()))

	info, err := os.Stat(a.Path())
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestArtifact_ReleaseOwned(t *testing.T) {
	a, err := NewTemp(t.TempDir())
	require.NoError(t, err)

	removed, err := a.Release()
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoFileExists(t, a.Path())

	removed, err = a.Release()
	require.NoError(t, err)
	assert.False(t, removed, "second release is a no-op")
}

func TestArtifact_ReleaseOwnedAlreadyGone(t *testing.T) {
	a, err := NewTemp(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.Remove(a.Path()))

	removed, err := a.Release()
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestArtifact_ReleaseExternalKeepsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	a := External(path)
	assert.False(t, a.Owned())
	removed, err := a.Release()
	require.NoError(t, err)
	assert.False(t, removed)
	assert.FileExists(t, path)
}

func TestArtifact_Keep(t *testing.T) {
	a, err := NewTemp(t.TempDir())
	require.NoError(t, err)
	a.Keep()

	removed, err := a.Release()
	require.NoError(t, err)
	assert.False(t, removed)
	assert.FileExists(t, a.Path())
}

func TestArtifact_Load(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		content   string
		want      string
		missing   bool
		malformed bool
	}{
		{
			name:    "json verbatim",
			file:    "report.json",
			content: "{\"b\": 1,   \"a\": [true, null]}\n",
			want:    `{"b": 1,   "a": [true, null]}`,
		},
		{
			name:    "yaml converted",
			file:    "report.yaml",
			content: "summary:\n  passed: 3\n  failed: 0\ntests:\n  - name: test_boot\n    outcome: passed\n",
			want:    `{"summary":{"failed":0,"passed":3},"tests":[{"name":"test_boot","outcome":"passed"}]}`,
		},
		{
			name:    "yaml with non-string keys",
			file:    "report.yml",
			content: "1: one\ntrue: yes\n",
			want:    `{"1":"one","true":"yes"}`,
		},
		{
			name:      "yaml content in json-named file",
			file:      "report.json",
			content:   "passed: 3\nfailed: 0\n",
			malformed: true,
		},
		{
			name:      "json with trailing comma",
			file:      "report.json",
			content:   `{"passed": 3,}`,
			malformed: true,
		},
		{
			name:      "yaml flow mapping in json-named file",
			file:      "report.json",
			content:   `{passed: 3}`,
			malformed: true,
		},
		{
			name:      "json scalar",
			file:      "report.json",
			content:   "42",
			malformed: true,
		},
		{
			name:      "json null",
			file:      "report.json",
			content:   "null",
			malformed: true,
		},
		{
			name:    "json array",
			file:    "report",
			content: `[{"name": "test_boot"}]`,
			want:    `[{"name": "test_boot"}]`,
		},
		{
			name:      "yaml scalar",
			file:      "report.yaml",
			content:   "tests passed\n",
			malformed: true,
		},
		{
			name:    "empty file",
			file:    "report.json",
			content: "  \n",
			missing: true,
		},
		{
			name:      "truncated json",
			file:      "report.json",
			content:   `{"summary": {"passed": 3`,
			malformed: true,
		},
		{
			name:      "bare scalar",
			file:      "report.json",
			content:   "tests passed",
			malformed: true,
		},
		{
			name:      "multiple yaml documents",
			file:      "report.yaml",
			content:   "a: 1\n---\nb: 2\n",
			malformed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			payload, err := External(path).Load()
			switch {
			case tt.missing:
				assert.True(t, IsMissing(err), "got %v", err)
			case tt.malformed:
				assert.True(t, IsMalformed(err), "got %v", err)
			default:
				require.NoError(t, err)
				if tt.name == "json verbatim" {
					assert.Equal(t, tt.want, string(payload))
				} else {
					assert.JSONEq(t, tt.want, string(payload))
				}
			}
		})
	}
}

func TestArtifact_LoadMissingFile(t *testing.T) {
	_, err := External(filepath.Join(t.TempDir(), "never-written.json")).Load()
	require.Error(t, err)
	assert.True(t, IsMissing(err))
	assert.False(t, IsMalformed(err))
	assert.Contains(t, err.Error(), "never-written.json")
}

func TestArtifact_LoadUnwrittenTemp(t *testing.T) {
	a, err := NewTemp(t.TempDir())
	require.NoError(t, err)

	_, err = a.Load()
	assert.True(t, IsMissing(err))
}
