package linecount

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/parafile/pkg/jobdef"
)

func TestLineCount(t *testing.T) {
	dir := t.TempDir()
	job, err := jobdef.New("linecount")
	require.NoError(t, err)

	files := map[string]string{
		"a.txt": "1\n2\n3\n",
		"b.txt": "only one line\n",
		"c.txt": "",
	}
	var records []string
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		require.NoError(t, job.Map(path, path, func(line string) {
			records = append(records, line)
		}))
	}
	require.Len(t, records, 3)

	for _, rec := range records {
		require.NoError(t, job.Reduce(rec))
	}

	var out bytes.Buffer
	require.NoError(t, job.Finalize(&out))
	assert.Equal(t, "4\n", out.String())
}

func TestReduceRejectsGarbage(t *testing.T) {
	job, err := jobdef.New("linecount")
	require.NoError(t, err)
	assert.Error(t, job.Reduce("not-a-number"))
}
