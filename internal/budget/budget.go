// Package budget implements the three-axis concurrency budget formula:
// how many worker cores the scheduler may use, and which of the three
// work axes (images, tiles, channels) carries the parallelism.
package budget

// Axis identifies which of the three work axes carries the parallel
// worker pool; the other two iterate serially.
type Axis int

const (
	AxisImages Axis = iota
	AxisTiles
	AxisChannels
)

func (a Axis) String() string {
	switch a {
	case AxisImages:
		return "images"
	case AxisTiles:
		return "tiles"
	default:
		return "channels"
	}
}

// Resources describes the host resource snapshot the budget formula is
// computed against.
type Resources struct {
	CPUs          int
	AvailableRAM  int64 // bytes
	RAMPerTile    int64 // bytes; composite-tile footprint or resolution footprint when untiled
}

// Counts is the work-set shape: how many images/tiles/channels the job
// expands across.
type Counts struct {
	Images   int
	Tiles    int
	Channels int
}

// Plan is the computed concurrency decision.
type Plan struct {
	MaxCores  int
	Axis      Axis
	TotalRuns int64
}

// Compute implements the formula verbatim:
//
//	maxCores = clamp(min(cpus, availableRam/ramPerTile), 1, cpus)
//	if maxCores == cpus and cpus > 1: maxCores -= 1   // leave one for the OS
//
// then distributes maxCores onto the dominant-count axis.
func Compute(res Resources, counts Counts) Plan {
	cpus := res.CPUs
	if cpus < 1 {
		cpus = 1
	}

	ramBound := cpus
	if res.RAMPerTile > 0 {
		byRAM := int(res.AvailableRAM / res.RAMPerTile)
		if byRAM < ramBound {
			ramBound = byRAM
		}
	}

	maxCores := clamp(ramBound, 1, cpus)
	if maxCores == cpus && cpus > 1 {
		maxCores--
	}

	axis := dominantAxis(counts)

	return Plan{
		MaxCores:  maxCores,
		Axis:      axis,
		TotalRuns: int64(counts.Images) * int64(counts.Tiles) * int64(counts.Channels),
	}
}

func dominantAxis(c Counts) Axis {
	if c.Images > c.Tiles {
		if c.Images > c.Channels {
			return AxisImages
		}
		return AxisChannels
	}
	if c.Tiles > c.Channels {
		return AxisTiles
	}
	return AxisChannels
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
