package market

// Window keeps the most recent bars per symbol, bounded by Size.
// Strategies receive it read-only.
type Window struct {
	Size int
	bars map[string][]Bar
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{Size: size, bars: make(map[string][]Bar)}
}

// Push appends every bar of the step, dropping the oldest past Size.
func (w *Window) Push(s Step) {
	for _, b := range s.Bars {
		bs := append(w.bars[b.Symbol], b)
		if len(bs) > w.Size {
			bs = bs[len(bs)-w.Size:]
		}
		w.bars[b.Symbol] = bs
	}
}

// Bars returns the retained bars for symbol, oldest first. The returned
// slice must not be modified.
func (w *Window) Bars(symbol string) []Bar {
	return w.bars[symbol]
}

func (w *Window) Len(symbol string) int { return len(w.bars[symbol]) }
