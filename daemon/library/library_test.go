package library

import (
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/errdefs"
)

func openTestLibrary(t *testing.T) *Library {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "mysti.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func insertGen(t *testing.T, l *Library, uuid, prompt string) {
	t.Helper()
	assert.NilError(t, l.InsertGeneration(&types.Generation{
		UUID:     uuid,
		FilePath: "/outputs/" + uuid + ".png",
		Prompt:   prompt,
		Seed:     42,
		Width:    512,
		Height:   512,
		Steps:    20,
		CfgScale: 7.0,
	}))
}

func TestMigrationsApply(t *testing.T) {
	l := openTestLibrary(t)
	v, err := l.SchemaVersion()
	assert.NilError(t, err)
	assert.Equal(t, v, len(migrations))
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mysti.db")
	l, err := Open(path)
	assert.NilError(t, err)
	insertGen(t, l, "img-1", "a cat")
	assert.NilError(t, l.Close())

	// reopening runs migrate again; already-applied versions must be skipped
	l, err = Open(path)
	assert.NilError(t, err)
	defer l.Close()

	v, err := l.SchemaVersion()
	assert.NilError(t, err)
	assert.Equal(t, v, len(migrations))

	g, err := l.GetGeneration("img-1")
	assert.NilError(t, err)
	assert.Equal(t, g.Prompt, "a cat")
}

func TestGenerationTagRoundTrip(t *testing.T) {
	l := openTestLibrary(t)
	insertGen(t, l, "img-1", "a neon cyberpunk cat")

	tags := []string{"neon", "cyberpunk", "cat", "neon"} // duplicate collapses
	assert.NilError(t, l.AddTags("img-1", tags, types.TagSourceVision, 0.9))

	g, err := l.GetGeneration("img-1")
	assert.NilError(t, err)
	assert.DeepEqual(t, g.Tags, []string{"cat", "cyberpunk", "neon"})
}

func TestDuplicateUUIDConflict(t *testing.T) {
	l := openTestLibrary(t)
	insertGen(t, l, "img-1", "first")
	err := l.InsertGeneration(&types.Generation{UUID: "img-1", FilePath: "/outputs/x.png"})
	assert.Check(t, errdefs.IsConflict(err))
}

func TestRatingClamped(t *testing.T) {
	l := openTestLibrary(t)
	insertGen(t, l, "img-1", "p")

	assert.NilError(t, l.SetRating("img-1", 9))
	g, err := l.GetGeneration("img-1")
	assert.NilError(t, err)
	assert.Equal(t, g.Rating, 5)

	assert.NilError(t, l.SetRating("img-1", -3))
	g, err = l.GetGeneration("img-1")
	assert.NilError(t, err)
	assert.Equal(t, g.Rating, 0)
}

func TestTagGarbageCollection(t *testing.T) {
	l := openTestLibrary(t)
	insertGen(t, l, "img-1", "p1")
	insertGen(t, l, "img-2", "p2")
	assert.NilError(t, l.AddTags("img-1", []string{"shared", "solo"}, types.TagSourceUser, 1))
	assert.NilError(t, l.AddTags("img-2", []string{"shared"}, types.TagSourceUser, 1))

	// removing img-1's edges orphans "solo" but not "shared"
	assert.NilError(t, l.RemoveTag("img-1", "solo"))
	tags, err := l.ListTags()
	assert.NilError(t, err)
	names := tagNames(tags)
	assert.DeepEqual(t, names, []string{"shared"})

	// deleting a generation collects its now-orphaned tags too
	_, err = l.DeleteGeneration("img-2")
	assert.NilError(t, err)
	tags, err = l.ListTags()
	assert.NilError(t, err)
	assert.Check(t, is.Len(tags, 1)) // "shared" still held by img-1

	assert.NilError(t, l.RemoveTag("img-1", "shared"))
	tags, err = l.ListTags()
	assert.NilError(t, err)
	assert.Check(t, is.Len(tags, 0))
}

func TestTagNormalizationCollapsesAliases(t *testing.T) {
	l := openTestLibrary(t)
	insertGen(t, l, "img-1", "p")

	assert.NilError(t, l.AddTags("img-1", []string{"Neon-Lights"}, types.TagSourceUser, 1))
	assert.NilError(t, l.AddTags("img-1", []string{"neon lights"}, types.TagSourceAuto, 0.5))

	tags, err := l.ListTags()
	assert.NilError(t, err)
	assert.Check(t, is.Len(tags, 1))
	assert.Equal(t, tags[0].Count, 1)
}

func TestListGenerationsFilters(t *testing.T) {
	l := openTestLibrary(t)
	insertGen(t, l, "img-1", "p1")
	insertGen(t, l, "img-2", "p2")
	insertGen(t, l, "img-3", "p3")
	assert.NilError(t, l.AddTags("img-1", []string{"cat", "neon"}, types.TagSourceUser, 1))
	assert.NilError(t, l.AddTags("img-2", []string{"cat"}, types.TagSourceUser, 1))
	assert.NilError(t, l.SetRating("img-1", 4))

	// AND semantics: only img-1 has both tags
	gens, err := l.ListGenerations(ListOptions{Tags: []string{"cat", "neon"}})
	assert.NilError(t, err)
	assert.Check(t, is.Len(gens, 1))
	assert.Equal(t, gens[0].UUID, "img-1")

	gens, err = l.ListGenerations(ListOptions{Tags: []string{"cat"}})
	assert.NilError(t, err)
	assert.Check(t, is.Len(gens, 2))

	gens, err = l.ListGenerations(ListOptions{MinRating: 3})
	assert.NilError(t, err)
	assert.Check(t, is.Len(gens, 1))

	gens, err = l.ListGenerations(ListOptions{Limit: 2})
	assert.NilError(t, err)
	assert.Check(t, is.Len(gens, 2))
}

func TestSearchGenerations(t *testing.T) {
	l := openTestLibrary(t)
	insertGen(t, l, "img-1", "a sunny beach")
	insertGen(t, l, "img-2", "a snowy mountain")

	gens, err := l.SearchGenerations("beach", 10)
	assert.NilError(t, err)
	assert.Check(t, is.Len(gens, 1))
	assert.Equal(t, gens[0].UUID, "img-1")

	gens, err = l.SearchGenerations("mountain OR beach", 10)
	assert.NilError(t, err)
	assert.Check(t, is.Len(gens, 2))
}

func TestUntaggedQueue(t *testing.T) {
	l := openTestLibrary(t)
	insertGen(t, l, "img-1", "p1")
	insertGen(t, l, "img-2", "p2")

	pending, err := l.Untagged(5)
	assert.NilError(t, err)
	assert.Check(t, is.Len(pending, 2))

	assert.NilError(t, l.MarkAutoTagged("img-1"))
	pending, err = l.Untagged(5)
	assert.NilError(t, err)
	assert.Check(t, is.Len(pending, 1))
	assert.Equal(t, pending[0].UUID, "img-2")
}

func TestDeleteGenerationReturnsPath(t *testing.T) {
	l := openTestLibrary(t)
	insertGen(t, l, "img-1", "p")

	path, err := l.DeleteGeneration("img-1")
	assert.NilError(t, err)
	assert.Equal(t, path, "/outputs/img-1.png")

	_, err = l.GetGeneration("img-1")
	assert.Check(t, errdefs.IsNotFound(err))

	_, err = l.DeleteGeneration("img-1")
	assert.Check(t, errdefs.IsNotFound(err))
}

func tagNames(tags []types.TagCount) []string {
	names := []string{}
	for _, t := range tags {
		names = append(names, t.Name)
	}
	return names
}
