package imagereader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joda/imagec/internal/engerrors"
)

func TestOpen_UnknownExtensionIsUnsupportedFormat(t *testing.T) {
	_, err := Open(context.Background(), "scan.weird")
	require.Error(t, err)
	assert.Equal(t, engerrors.KindUnsupportedFormat, engerrors.KindOf(err))
}

func TestOpen_BioformatsExtensionIsUnsupportedFormat(t *testing.T) {
	_, err := Open(context.Background(), "scan.czi")
	require.Error(t, err)
	assert.Equal(t, engerrors.KindUnsupportedFormat, engerrors.KindOf(err))
}

func TestOpen_MissingTiffFileIsReadFailed(t *testing.T) {
	_, err := Open(context.Background(), "/no/such/file.tif")
	require.Error(t, err)
	assert.Equal(t, engerrors.KindReadFailed, engerrors.KindOf(err))
}
