package session

import "time"

const rttSamples = 8

// rttEstimator keeps the last rttSamples round trips and derives the
// request retry interval from their average.
type rttEstimator struct {
	samples  [rttSamples]time.Duration
	n, next  int
	floor    time.Duration
	interval time.Duration
}

func newRTTEstimator(floor, initial time.Duration) rttEstimator {
	r := rttEstimator{floor: floor}
	r.interval = 3 * max(initial, floor)
	return r
}

func (r *rttEstimator) add(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % rttSamples
	if r.n < rttSamples {
		r.n++
	}

	var sum time.Duration
	for i := 0; i < r.n; i++ {
		sum += r.samples[i]
	}
	r.interval = 3 * max(sum/time.Duration(r.n), r.floor)
}
