package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joda/imagec/internal/config"
)

func TestNewMirror_DisabledReturnsNilWithoutError(t *testing.T) {
	m, err := NewMirror(config.MinIOConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestObjectKey_JoinsJobIDAndRelativeSlashPath(t *testing.T) {
	key, err := objectKey("job-1", "/out/job-1", "/out/job-1/control_images/img1/0/tile_0.png")
	require.NoError(t, err)
	assert.Equal(t, "job-1/control_images/img1/0/tile_0.png", key)
}

func TestObjectKey_RootFileHasNoLeadingSlash(t *testing.T) {
	key, err := objectKey("job-1", "/out/job-1", "/out/job-1/results.duckdb")
	require.NoError(t, err)
	assert.Equal(t, "job-1/results.duckdb", key)
}
