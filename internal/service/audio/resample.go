package audio

// Resampler converts a mono stream between sample rates with linear
// interpolation. It keeps the last input sample and the fractional read
// position between calls so chunk boundaries do not click.
type Resampler struct {
	from, to int
	step     float64
	pos      float64
	last     int16
	hasLast  bool
}

func NewResampler(from, to int) *Resampler {
	return &Resampler{
		from: from,
		to:   to,
		step: float64(from) / float64(to),
	}
}

// Process resamples in and returns the output produced so far. Output for
// the tail of in may be deferred to the next call.
func (r *Resampler) Process(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	if r.from == r.to {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}

	buf := in
	if r.hasLast {
		buf = make([]int16, 0, len(in)+1)
		buf = append(buf, r.last)
		buf = append(buf, in...)
	}

	out := make([]int16, 0, int(float64(len(buf))/r.step)+1)
	for {
		i := int(r.pos)
		if i+1 >= len(buf) {
			break
		}
		frac := r.pos - float64(i)
		v := float64(buf[i])*(1-frac) + float64(buf[i+1])*frac
		out = append(out, clamp16(v))
		r.pos += r.step
	}

	r.last = buf[len(buf)-1]
	r.hasLast = true
	r.pos -= float64(len(buf) - 1)
	return out
}

func clamp16(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	case v >= 0:
		return int16(v + 0.5)
	default:
		return int16(v - 0.5)
	}
}
