package settings

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joda/imagec/internal/engerrors"
)

func sampleJSON() []byte {
	s := AnalyzeSettings{
		RunID: "run-1",
		Name:  "demo",
		Channels: []ChannelSettings{
			{ChannelIndex: 0, Name: "nucleus", Detection: DetectionSettings{Mode: DetectionThreshold}},
		},
	}
	b, _ := json.Marshal(s)
	return b
}

func TestParseAnalyzeSettings_Valid(t *testing.T) {
	s, err := ParseAnalyzeSettings(sampleJSON())
	require.NoError(t, err)
	assert.Equal(t, "demo", s.Name)
}

func TestParseAnalyzeSettings_NoChannelsIsInvalid(t *testing.T) {
	s := AnalyzeSettings{Name: "empty"}
	b, _ := json.Marshal(s)
	_, err := ParseAnalyzeSettings(b)
	require.Error(t, err)
	assert.Equal(t, engerrors.KindConfigInvalid, engerrors.KindOf(err))
}

func TestParseAnalyzeSettings_DuplicateChannelIndexIsInvalid(t *testing.T) {
	s := AnalyzeSettings{
		Name: "dup",
		Channels: []ChannelSettings{
			{ChannelIndex: 0, Detection: DetectionSettings{Mode: DetectionNone}},
			{ChannelIndex: 0, Detection: DetectionSettings{Mode: DetectionNone}},
		},
	}
	b, _ := json.Marshal(s)
	_, err := ParseAnalyzeSettings(b)
	require.Error(t, err)
}

func TestParseAnalyzeSettings_AIModeRequiresModelPath(t *testing.T) {
	s := AnalyzeSettings{
		Name: "ai",
		Channels: []ChannelSettings{
			{ChannelIndex: 0, Detection: DetectionSettings{Mode: DetectionAI}},
		},
	}
	b, _ := json.Marshal(s)
	_, err := ParseAnalyzeSettings(b)
	require.Error(t, err)
}

func TestAnalyzeSettings_RoundTripStable(t *testing.T) {
	orig := sampleJSON()
	s, err := ParseAnalyzeSettings(orig)
	require.NoError(t, err)

	remarshalled, err := s.Marshal()
	require.NoError(t, err)

	s2, err := ParseAnalyzeSettings(remarshalled)
	require.NoError(t, err)
	assert.Equal(t, s, s2)
}
