package panicmode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carecircle/crisis/internal/shared/errors"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	resources := c.Resources()
	require.NotEmpty(t, resources)
	for i := 1; i < len(resources); i++ {
		assert.LessOrEqual(t, resources[i-1].Priority, resources[i].Priority)
	}
	lifeline, err := c.Resource("crisis-lifeline")
	require.NoError(t, err)
	assert.Equal(t, ResourceHotline, lifeline.Type)
	assert.NotEmpty(t, lifeline.Phone)

	box, err := c.Exercise("box-breathing")
	require.NoError(t, err)
	assert.Len(t, box.phases(), 4)
	assert.Len(t, c.Exercises(), 3)

	_, err = c.Resource("missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = c.Exercise("missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestParseCatalogRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"duplicate resource": `
resources:
  - {id: a, type: hotline, title: A}
  - {id: a, type: service, title: B}
`,
		"resource without id": `
resources:
  - {type: hotline, title: A}
`,
		"exercise without phases": `
exercises:
  - {id: flat, name: Flat, duration: 60}
`,
		"exercise without duration": `
exercises:
  - {id: quick, name: Quick, inhale: 4, exhale: 4}
`,
		"malformed": "resources: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, c.Resources(), 2)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
