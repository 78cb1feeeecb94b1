package webcall

// Transcript keeps the most recent utterances of a call in arrival order.
// Once full, each Append evicts the oldest entry.
type Transcript struct {
	buf   []Utterance
	start int
	size  int
}

// NewTranscript creates a Transcript holding at most capacity utterances.
// A capacity below 1 is treated as 1.
func NewTranscript(capacity int) *Transcript {
	if capacity < 1 {
		capacity = 1
	}
	return &Transcript{buf: make([]Utterance, capacity)}
}

// Append adds u, evicting the oldest utterance when the buffer is full.
func (t *Transcript) Append(u Utterance) {
	if t.size < len(t.buf) {
		t.buf[(t.start+t.size)%len(t.buf)] = u
		t.size++
		return
	}
	t.buf[t.start] = u
	t.start = (t.start + 1) % len(t.buf)
}

// Len returns the number of utterances held.
func (t *Transcript) Len() int { return t.size }

// Cap returns the fixed capacity.
func (t *Transcript) Cap() int { return len(t.buf) }

// Items returns a copy of the held utterances, oldest first.
func (t *Transcript) Items() []Utterance {
	out := make([]Utterance, t.size)
	for i := 0; i < t.size; i++ {
		out[i] = t.buf[(t.start+i)%len(t.buf)]
	}
	return out
}

// Reset drops all utterances.
func (t *Transcript) Reset() {
	for i := range t.buf {
		t.buf[i] = Utterance{}
	}
	t.start, t.size = 0, 0
}
