package features

// FeatureStore keeps per-(rack, metric) rolling windows of recent samples.
// All mutation happens on the bus dispatcher; reads hand out copies, so
// snapshots taken by HTTP workers never alias live buffers.

// RollingWindow is a bounded FIFO of float64 samples, newest at the tail.
type RollingWindow struct {
	size int
	buf  []float64
}

// NewRollingWindow creates a window holding at most size samples.
func NewRollingWindow(size int) *RollingWindow {
	if size < 1 {
		size = 1
	}
	return &RollingWindow{size: size, buf: make([]float64, 0, size)}
}

// Add appends a sample, evicting the oldest when full. NaN is legal;
// downstream consumers decide what to do with it.
func (w *RollingWindow) Add(value float64) {
	if len(w.buf) == w.size {
		copy(w.buf, w.buf[1:])
		w.buf = w.buf[:w.size-1]
	}
	w.buf = append(w.buf, value)
}

// Len returns the number of real samples currently held.
func (w *RollingWindow) Len() int {
	return len(w.buf)
}

// Dense returns exactly size samples. Short windows are left-padded with
// the oldest known sample so older-than-history reads see the earliest
// value rather than zero. An empty window reads as all zeros.
func (w *RollingWindow) Dense() []float64 {
	out := make([]float64, w.size)
	if len(w.buf) == 0 {
		return out
	}
	pad := w.size - len(w.buf)
	for i := 0; i < pad; i++ {
		out[i] = w.buf[0]
	}
	copy(out[pad:], w.buf)
	return out
}

// Store maps (rack, metric) to a rolling window, creating windows lazily.
type Store struct {
	window  int
	buffers map[string]map[string]*RollingWindow
}

// NewStore creates a feature store whose windows hold `window` samples.
func NewStore(window int) *Store {
	return &Store{
		window:  window,
		buffers: make(map[string]map[string]*RollingWindow),
	}
}

// Push appends a sample for the given rack and metric.
func (s *Store) Push(rack, metric string, value float64) {
	racks, ok := s.buffers[rack]
	if !ok {
		racks = make(map[string]*RollingWindow)
		s.buffers[rack] = racks
	}
	win, ok := racks[metric]
	if !ok {
		win = NewRollingWindow(s.window)
		racks[metric] = win
	}
	win.Add(value)
}

// Window returns the dense, left-padded read for a rack metric. Unknown
// pairs read as all zeros, same as an empty window.
func (s *Store) Window(rack, metric string) []float64 {
	if racks, ok := s.buffers[rack]; ok {
		if win, ok := racks[metric]; ok {
			return win.Dense()
		}
	}
	return make([]float64, s.window)
}

// SampleCount returns how many real samples exist for a rack metric.
func (s *Store) SampleCount(rack, metric string) int {
	if racks, ok := s.buffers[rack]; ok {
		if win, ok := racks[metric]; ok {
			return win.Len()
		}
	}
	return 0
}

// Snapshot returns dense reads for every metric tracked for a rack.
func (s *Store) Snapshot(rack string) map[string][]float64 {
	out := make(map[string][]float64)
	for metric, win := range s.buffers[rack] {
		out[metric] = win.Dense()
	}
	return out
}
