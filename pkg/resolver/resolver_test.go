package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/parafile/pkg/types"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolveEmptyInputIsInputMissing(t *testing.T) {
	_, _, err := Resolve(context.Background(), &types.JobDescriptor{})
	require.Error(t, err)

	var jerr *types.JobError
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, types.ErrInputMissing, jerr.Kind)
}

func TestResolveLocalDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "a\na\nb\n")
	writeFile(t, dir, "b.txt", "b\nc\n")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	writeFile(t, filepath.Join(dir, "sub"), "c.txt", "deep")

	desc := &types.JobDescriptor{InputData: []string{dir}}
	total, items, err := Resolve(context.Background(), desc)
	require.NoError(t, err)

	assert.Len(t, items, 3)
	assert.Equal(t, int64(6+4+4), total)
	for _, item := range items {
		assert.True(t, len(item.URI) > 0)
		assert.Contains(t, item.URI, "file:/")
	}
}

func TestResolveSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "only.txt", "hello\n")

	desc := &types.JobDescriptor{InputData: []string{path}}
	total, items, err := Resolve(context.Background(), desc)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(6), total)
	assert.Equal(t, int64(6), items[0].Size)
}

func TestResolveMissingPathIsBackendUnavailable(t *testing.T) {
	desc := &types.JobDescriptor{InputData: []string{"/does/not/exist"}}
	_, _, err := Resolve(context.Background(), desc)
	require.Error(t, err)

	var jerr *types.JobError
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, types.ErrBackendUnavailable, jerr.Kind)
}

// Resolving the URIs a resolve produced must yield the same list.
func TestResolveIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "aaa")
	writeFile(t, dir, "b.txt", "bb")

	desc := &types.JobDescriptor{InputData: []string{dir}}
	total, items, err := Resolve(context.Background(), desc)
	require.NoError(t, err)

	uris := make([]string, 0, len(items))
	for _, item := range items {
		uris = append(uris, item.URI)
	}
	again, items2, err := Resolve(context.Background(), &types.JobDescriptor{InputData: uris})
	require.NoError(t, err)
	assert.Equal(t, total, again)
	assert.Equal(t, items, items2)
}

func TestDownloadLocal(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "src.txt", "payload")

	desc := &types.JobDescriptor{}
	dl, err := DownloadFor(desc, src)
	require.NoError(t, err)

	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, dl(context.Background(), dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestDownloadMissingSourceFails(t *testing.T) {
	desc := &types.JobDescriptor{}
	dl, err := DownloadFor(desc, "/nope/missing.txt")
	require.NoError(t, err)

	err = dl(context.Background(), filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)

	var jerr *types.JobError
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, types.ErrDownloadFailed, jerr.Kind)
}

func TestDownloadForUnknownScheme(t *testing.T) {
	_, err := DownloadFor(&types.JobDescriptor{}, "gopher://old/proto")
	assert.Error(t, err)
}

func TestExpandDateMacros(t *testing.T) {
	end := time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC)

	t.Run("date range counts back from end date", func(t *testing.T) {
		desc := &types.JobDescriptor{EndDate: end, DateRange: 3}
		got := ExpandDateMacros(desc, "logs/{year}/{month}/{day}/")
		assert.Equal(t, []string{
			"logs/2020/1/1/",
			"logs/2020/1/2/",
			"logs/2020/1/3/",
		}, got)
	})

	t.Run("date range overrides start date", func(t *testing.T) {
		desc := &types.JobDescriptor{
			StartDate: time.Date(2019, 12, 1, 0, 0, 0, 0, time.UTC),
			EndDate:   end,
			DateRange: 2,
		}
		got := ExpandDateMacros(desc, "{year}/{month}/{day}")
		assert.Equal(t, []string{"2020/1/2", "2020/1/3"}, got)
	})

	t.Run("explicit start and end are inclusive", func(t *testing.T) {
		desc := &types.JobDescriptor{
			StartDate: time.Date(2019, 12, 30, 0, 0, 0, 0, time.UTC),
			EndDate:   end,
		}
		got := ExpandDateMacros(desc, "{year}/{month}/{day}")
		assert.Equal(t, []string{
			"2019/12/30", "2019/12/31", "2020/1/1", "2020/1/2", "2020/1/3",
		}, got)
	})

	t.Run("no tokens passes prefix through", func(t *testing.T) {
		desc := &types.JobDescriptor{EndDate: end, DateRange: 3}
		got := ExpandDateMacros(desc, "logs/static/")
		assert.Equal(t, []string{"logs/static/"}, got)
	})

	t.Run("no range passes prefix through", func(t *testing.T) {
		got := ExpandDateMacros(&types.JobDescriptor{}, "logs/{year}/")
		assert.Equal(t, []string{"logs/{year}/"}, got)
	})

	t.Run("substituted integers are not zero padded", func(t *testing.T) {
		desc := &types.JobDescriptor{
			EndDate:   time.Date(2020, 2, 5, 0, 0, 0, 0, time.UTC),
			DateRange: 1,
		}
		got := ExpandDateMacros(desc, "{year}/{month}/{day}")
		assert.Equal(t, []string{"2020/2/5"}, got)
	})
}
