package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vtrace/internal/manifest"
)

func seg(number uint64, req, last, duration float64) *manifest.VideoEvent {
	return &manifest.VideoEvent{
		Segment:      number,
		Quality:      "v1",
		Bitrate:      1_000_000,
		ContentType:  "video",
		Bytes:        int64(duration * 125_000),
		RequestTime:  req,
		LastByteTime: last,
		Duration:     duration,
		MediaTime:    -1,
	}
}

func assertConserved(t *testing.T, res *Result) {
	t.Helper()
	assert.InDelta(t, res.PlaybackTime, res.StallTime()+res.PlayedSeconds, 1e-9)
	for _, s := range res.Stalls {
		assert.InDelta(t, s.End-s.Start, s.Duration, 1e-9)
		assert.GreaterOrEqual(t, s.Duration, 0.0)
	}
	for _, p := range res.BufferSeconds {
		assert.GreaterOrEqual(t, p.Value, 0.0)
	}
	for _, p := range res.BufferBytes {
		assert.GreaterOrEqual(t, p.Value, 0.0)
	}
}

func TestSimulator_StallBetweenSegments(t *testing.T) {
	sim := New(Options{StartupDelay: 0.5}, nil)
	res := sim.Run([]*manifest.VideoEvent{seg(2, 6, 7, 4), seg(1, 0, 0, 4)})

	assert.InDelta(t, 0.5, res.PlaybackStart, 1e-9)
	assert.InDelta(t, 0.5, res.StartupDelay, 1e-9)
	assert.EqualValues(t, 1, res.StartupEvent.Segment)

	require.Len(t, res.Stalls, 1)
	st := res.Stalls[0]
	assert.InDelta(t, 4.5, st.Start, 1e-9)
	assert.InDelta(t, 7.0, st.End, 1e-9)
	assert.InDelta(t, 2.5, st.Duration, 1e-9)
	assert.EqualValues(t, 2, st.Segment)
	require.NotNil(t, st.Event)
	assert.False(t, st.AtTraceEnd)

	assert.InDelta(t, 11.0, res.PlaybackEnd, 1e-9)
	assert.InDelta(t, 10.5, res.PlaybackTime, 1e-9)
	assert.InDelta(t, 8.0, res.PlayedSeconds, 1e-9)
	require.Len(t, res.Played, 2)
	assert.EqualValues(t, 1, res.Played[0].Segment)
	assertConserved(t, res)

	assert.Equal(t, []Point{
		{0, 0}, {0, 4}, {0.5, 4}, {4.5, 0}, {7, 0}, {7, 4}, {11, 0},
	}, res.BufferSeconds)
	assert.InDelta(t, 18.0/11.0, res.Stats.MeanBufferSeconds, 1e-9)
	assert.Equal(t, 1, res.Stats.StallCount)
	assert.InDelta(t, 2.5/10.5, res.Stats.StallRatio, 1e-9)
}

func TestSimulator_BufferBytesProRated(t *testing.T) {
	res := New(Options{}, nil).Run([]*manifest.VideoEvent{seg(1, 0, 1, 4), seg(2, 1, 3, 4)})

	require.Empty(t, res.Stalls)
	// At t=3 the first segment is half played and the second is queued whole.
	var at3 []float64
	for _, p := range res.BufferBytes {
		if p.Time == 3 {
			at3 = append(at3, p.Value)
		}
	}
	require.Len(t, at3, 2)
	assert.InDelta(t, 250_000, at3[0], 1e-6)
	assert.InDelta(t, 750_000, at3[1], 1e-6)
	assertConserved(t, res)
}

func TestSimulator_NearStall(t *testing.T) {
	sim := New(Options{StartupDelay: 0.5, NearStallWindow: 1}, nil)
	res := sim.Run([]*manifest.VideoEvent{seg(1, 0, 0, 4), seg(2, 3, 4.2, 4), seg(3, 4.2, 5, 4)})

	assert.Empty(t, res.Stalls)
	require.Len(t, res.NearStalls, 1)
	ns := res.NearStalls[0]
	assert.InDelta(t, 4.2, ns.Time, 1e-9)
	assert.InDelta(t, 0.3, ns.Margin, 1e-9)
	assert.EqualValues(t, 2, ns.Event.Segment)
	assertConserved(t, res)
}

func TestSimulator_ArrivalAtBoundaryIsNotAStall(t *testing.T) {
	sim := New(Options{StartupDelay: 0.5, NearStallWindow: 1}, nil)
	res := sim.Run([]*manifest.VideoEvent{seg(1, 0, 0, 4), seg(2, 1, 4.5, 4)})

	assert.Empty(t, res.Stalls)
	require.Len(t, res.NearStalls, 1)
	assert.InDelta(t, 0, res.NearStalls[0].Margin, 1e-9)
	assertConserved(t, res)
}

func TestSimulator_StartupStall(t *testing.T) {
	// The second segment arrives first, so playback starts waiting for the first.
	res := New(Options{}, nil).Run([]*manifest.VideoEvent{seg(1, 0, 3, 2), seg(2, 0, 1, 2)})

	assert.EqualValues(t, 2, res.StartupEvent.Segment)
	assert.InDelta(t, 1, res.PlaybackStart, 1e-9)
	require.Len(t, res.Stalls, 1)
	assert.InDelta(t, 1, res.Stalls[0].Start, 1e-9)
	assert.InDelta(t, 3, res.Stalls[0].End, 1e-9)
	assert.EqualValues(t, 1, res.Stalls[0].Segment)
	assert.InDelta(t, 7, res.PlaybackEnd, 1e-9)
	assertConserved(t, res)
}

func TestSimulator_TrailingStall(t *testing.T) {
	sim := New(Options{StartupDelay: 0.5, TraceEnd: 20, ExpectedSegments: 3}, nil)
	res := sim.Run([]*manifest.VideoEvent{seg(1, 0, 0, 4), seg(2, 6, 7, 4)})

	require.Len(t, res.Stalls, 2)
	last := res.Stalls[1]
	assert.True(t, last.AtTraceEnd)
	assert.Nil(t, last.Event)
	assert.EqualValues(t, 3, last.Segment)
	assert.InDelta(t, 11, last.Start, 1e-9)
	assert.InDelta(t, 9, last.Duration, 1e-9)
	assert.InDelta(t, 19.5, res.PlaybackTime, 1e-9)
	assertConserved(t, res)

	// Without a known segment count the run ends with the last segment.
	res = New(Options{StartupDelay: 0.5, TraceEnd: 20}, nil).
		Run([]*manifest.VideoEvent{seg(1, 0, 0, 4), seg(2, 6, 7, 4)})
	assert.Len(t, res.Stalls, 1)
	assert.InDelta(t, 11, res.PlaybackEnd, 1e-9)
}

func TestSimulator_RedundantAndSkipped(t *testing.T) {
	late := seg(1, 0.5, 2, 4)
	partial := seg(2, 1, 1.5, 4)
	partial.Partial = true
	unknown := seg(3, 1, 1.6, 0)

	res := New(Options{}, nil).Run([]*manifest.VideoEvent{late, seg(1, 0, 1, 4), partial, unknown, seg(2, 1, 2.5, 4)})

	require.Len(t, res.Redundant, 1)
	assert.Same(t, late, res.Redundant[0])
	assert.ElementsMatch(t, []*manifest.VideoEvent{partial, unknown}, res.Skipped)
	require.Len(t, res.Played, 2)
	assert.InDelta(t, 1, res.Played[0].LastByteTime, 1e-9)
	assert.Equal(t, 1, res.Stats.RedundantSegments)
	assert.Equal(t, late.Bytes, res.Stats.RedundantBytes)
	assertConserved(t, res)
}

func TestSimulator_Empty(t *testing.T) {
	res := New(Options{StartupDelay: 1}, nil).Run(nil)
	assert.Nil(t, res.StartupEvent)
	assert.Empty(t, res.Stalls)
	assert.Zero(t, res.PlaybackTime)
}

func TestStats_Quantiles(t *testing.T) {
	events := []*manifest.VideoEvent{seg(1, 0, 1, 4), seg(2, 1, 2, 4), seg(3, 2, 3, 4)}
	events[2].Quality = "v2"
	events[2].Bitrate = 2_000_000

	res := New(Options{}, nil).Run(events)
	s := res.Stats
	assert.InDelta(t, 1, s.DownloadP50, 1e-9)
	assert.InDelta(t, 1, s.DownloadP95, 1e-9)
	assert.InDelta(t, 4_000_000, s.ThroughputP50, 1e-6)
	assert.InDelta(t, 4_000_000.0/3, s.MeanBitrate, 1e-6)
	assert.Equal(t, 1, s.QualitySwitches)
}

func TestTimeWeightedMean(t *testing.T) {
	assert.Zero(t, timeWeightedMean(nil))
	assert.InDelta(t, 1.0, timeWeightedMean([]Point{{0, 2}, {2, 0}}), 1e-9)
	assert.InDelta(t, 2.0, timeWeightedMean([]Point{{0, 2}, {1, 2}, {1, 4}, {1, 2}, {3, 2}}), 1e-9)
}
