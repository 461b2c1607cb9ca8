package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/mystilabs/mysti/api/types"
)

func TestReadJSONSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abc.json")
	assert.NilError(t, os.WriteFile(path, []byte(`{
		"prompt": "a cat",
		"negative_prompt": "blurry",
		"seed": 42,
		"width": 768,
		"height": 512,
		"steps": 30,
		"cfg_scale": 7.5,
		"generation_time": 12.25
	}`), 0o644))

	meta, ok := readJSONSidecar(path)
	assert.Assert(t, ok)
	assert.Equal(t, meta.Prompt, "a cat")
	assert.Equal(t, meta.NegativePrompt, "blurry")
	assert.Equal(t, meta.Seed, int64(42))
	assert.Equal(t, meta.Width, 768)
	assert.Equal(t, meta.GenerationTime, 12.25)
}

func TestReadJSONSidecarMissing(t *testing.T) {
	_, ok := readJSONSidecar(filepath.Join(t.TempDir(), "nope.json"))
	assert.Assert(t, !ok)
}

func TestReadTextSidecarLegacyFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abc.txt")
	assert.NilError(t, os.WriteFile(path, []byte(
		"Negative prompt: blurry, low quality\n"+
			"a dog on a beach\n"+
			"Steps: 20, Time: 8.5s\n"), 0o644))

	prompt, seconds, ok := readTextSidecar(path)
	assert.Assert(t, ok)
	assert.Equal(t, prompt, "a dog on a beach")
	assert.Equal(t, seconds, 8.5)
}

func TestReadTextSidecarPromptOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abc.txt")
	assert.NilError(t, os.WriteFile(path, []byte("sunset over mountains\n"), 0o644))

	prompt, seconds, ok := readTextSidecar(path)
	assert.Assert(t, ok)
	assert.Equal(t, prompt, "sunset over mountains")
	assert.Equal(t, seconds, 0.0)
}

func TestIsImageFile(t *testing.T) {
	assert.Check(t, isImageFile("a.png"))
	assert.Check(t, isImageFile("b.JPG"))
	assert.Check(t, isImageFile("c.jpeg"))
	assert.Check(t, !isImageFile("d.txt"))
	assert.Check(t, !isImageFile("e.json"))
}

func TestGenerationUUIDFallbacks(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   string
	}{
		{"id wins", `{"id":"gen-1","data":[{"url":"/outputs/xyz.png"}]}`, "gen-1"},
		{"url stem", `{"data":[{"url":"/outputs/xyz.png"}]}`, "xyz"},
		{"url without directory", `{"data":[{"url":"plain.jpg"}]}`, "plain"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var result types.GenerationResult
			assert.NilError(t, json.Unmarshal([]byte(tc.result), &result))
			assert.Equal(t, generationUUID(result), tc.want)
		})
	}
}

func TestGenerationUUIDMintsWhenEmpty(t *testing.T) {
	got := generationUUID(types.GenerationResult{})
	assert.Check(t, is.Len(got, 36))
}
