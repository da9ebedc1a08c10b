package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkTextOverlapWindows(t *testing.T) {
	runes := make([]rune, 1000)
	for i := range runes {
		runes[i] = rune('a' + i%26)
	}
	text := string(runes)

	chunks := chunkText(text, 800, 200)
	require.Len(t, chunks, 2)
	require.Equal(t, string(runes[:800]), chunks[0])
	require.Equal(t, string(runes[600:]), chunks[1])
	require.Equal(t, chunks[0][600:], chunks[1][:200], "windows must share the overlap region")
}

func TestChunkTextBoundaries(t *testing.T) {
	require.Nil(t, chunkText("", 800, 200))
	require.Equal(t, []string{"short"}, chunkText("short", 800, 200))
	require.Equal(t, []string{strings.Repeat("x", 800)}, chunkText(strings.Repeat("x", 800), 800, 200))

	runes := make([]rune, 2000)
	for i := range runes {
		runes[i] = 'x'
	}
	require.Len(t, chunkText(string(runes), 800, 200), 3)
}

func TestChunkTextRuneSafe(t *testing.T) {
	text := strings.Repeat("寿司", 5) // 10 runes
	chunks := chunkText(text, 4, 1)
	require.Equal(t, []string{"寿司寿司", "司寿司寿", "寿司寿司"}, chunks)
}

func TestChunkTextClampsBadOverlap(t *testing.T) {
	// overlap >= size would never advance; it is clamped instead
	chunks := chunkText("abcdef", 4, 10)
	require.Equal(t, []string{"abcd", "def"}, chunks)
}

func TestExtractTitle(t *testing.T) {
	require.Equal(t, "Docker Bench", extractTitle("# Docker Bench\n\nsome body text"))
	require.Equal(t, "Main", extractTitle("## subsection first\n\n# Main\n\nbody"))
	require.Equal(t, "", extractTitle("no heading at all, just prose"))
	require.Equal(t, "", extractTitle(""))
}

func TestPathTags(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"cis/docker_bench-v1.md", []string{"cis", "docker", "bench", "v1"}},
		{"CIS/Docker.md", []string{"cis", "docker"}},
		{"docker/docker.md", []string{"docker"}},
		{"README.md", []string{"readme"}},
		{"a/b.md", []string{}},
		{"v1.2/notes.txt", []string{"v1", "notes"}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, pathTags(tt.path), "path %q", tt.path)
	}
}
