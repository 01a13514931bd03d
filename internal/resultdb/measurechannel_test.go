package resultdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeasureChannelID_RoundTrip(t *testing.T) {
	id := NewMeasureChannelID(MeasureCrossIntensityAvg, 3)
	assert.Equal(t, MeasureCrossIntensityAvg, id.Measure())
	assert.Equal(t, int32(3), id.Channel())
}

func TestMeasureChannelID_SelfChannel(t *testing.T) {
	id := NewMeasureChannelID(MeasureArea, SelfChannel)
	assert.Equal(t, int32(0), id.Channel())
}

func TestGroupID_PacksAndUnpacks(t *testing.T) {
	g := GroupID(3, 7)
	x, y := UnpackGroupID(g)
	assert.Equal(t, uint8(3), x)
	assert.Equal(t, uint8(7), y)
}
