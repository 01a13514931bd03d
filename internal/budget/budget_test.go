package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompute_LeavesOneCoreForOS(t *testing.T) {
	p := Compute(Resources{CPUs: 8, AvailableRAM: 1 << 40, RAMPerTile: 1}, Counts{Images: 1, Tiles: 1, Channels: 1})
	assert.Equal(t, 7, p.MaxCores)
}

func TestCompute_SingleCPUNeverDropsToZero(t *testing.T) {
	p := Compute(Resources{CPUs: 1, AvailableRAM: 1 << 40, RAMPerTile: 1}, Counts{Images: 1, Tiles: 1, Channels: 1})
	assert.Equal(t, 1, p.MaxCores)
}

func TestCompute_RAMBoundLimitsCores(t *testing.T) {
	p := Compute(Resources{CPUs: 16, AvailableRAM: 400, RAMPerTile: 100}, Counts{Images: 1, Tiles: 1, Channels: 1})
	assert.Equal(t, 4, p.MaxCores)
}

func TestDominantAxis_ImagesWinsWhenLargest(t *testing.T) {
	p := Compute(Resources{CPUs: 4, AvailableRAM: 1 << 40, RAMPerTile: 1}, Counts{Images: 100, Tiles: 5, Channels: 3})
	assert.Equal(t, AxisImages, p.Axis)
}

func TestDominantAxis_ChannelsWinsWhenImagesLessThanChannels(t *testing.T) {
	p := Compute(Resources{CPUs: 4, AvailableRAM: 1 << 40, RAMPerTile: 1}, Counts{Images: 100, Tiles: 5, Channels: 200})
	assert.Equal(t, AxisChannels, p.Axis)
}

func TestDominantAxis_TilesWinWhenImagesNotDominant(t *testing.T) {
	p := Compute(Resources{CPUs: 4, AvailableRAM: 1 << 40, RAMPerTile: 1}, Counts{Images: 2, Tiles: 50, Channels: 3})
	assert.Equal(t, AxisTiles, p.Axis)
}

func TestCompute_TotalRunsIsProduct(t *testing.T) {
	p := Compute(Resources{CPUs: 4, AvailableRAM: 1 << 40, RAMPerTile: 1}, Counts{Images: 3, Tiles: 4, Channels: 5})
	assert.Equal(t, int64(60), p.TotalRuns)
}
