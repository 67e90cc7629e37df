package audio

// Window keeps the most recent N chunks in arrival order.
type Window struct {
	chunks [][]byte
	head   int
	count  int
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{chunks: make([][]byte, size)}
}

func (w *Window) Add(chunk []byte) {
	w.chunks[w.head] = chunk
	w.head = (w.head + 1) % len(w.chunks)
	if w.count < len(w.chunks) {
		w.count++
	}
}

// Bytes returns the buffered chunks concatenated oldest first.
func (w *Window) Bytes() []byte {
	size := 0
	start := (w.head - w.count + len(w.chunks)) % len(w.chunks)
	for i := 0; i < w.count; i++ {
		size += len(w.chunks[(start+i)%len(w.chunks)])
	}
	out := make([]byte, 0, size)
	for i := 0; i < w.count; i++ {
		out = append(out, w.chunks[(start+i)%len(w.chunks)]...)
	}
	return out
}

func (w *Window) Len() int { return w.count }

func (w *Window) Clear() {
	for i := range w.chunks {
		w.chunks[i] = nil
	}
	w.head = 0
	w.count = 0
}
