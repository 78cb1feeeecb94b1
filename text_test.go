package webcall

import (
	"fmt"
	"testing"
)

func utterances(n int) []Utterance {
	out := make([]Utterance, n)
	for i := range out {
		out[i] = Utterance{Role: "agent", Content: fmt.Sprintf("line %d", i)}
	}
	return out
}

func TestTranscript_KeepsMostRecent(t *testing.T) {
	tests := []struct {
		capacity int
		appended int
	}{
		{5, 0},
		{5, 3},
		{5, 5},
		{5, 12},
		{1, 4},
		{3, 7},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("cap%d_n%d", tt.capacity, tt.appended), func(t *testing.T) {
			tr := NewTranscript(tt.capacity)
			all := utterances(tt.appended)
			for _, u := range all {
				tr.Append(u)
			}

			want := all
			if len(all) > tt.capacity {
				want = all[len(all)-tt.capacity:]
			}
			got := tr.Items()
			if len(got) != len(want) || tr.Len() != len(want) {
				t.Fatalf("len = %d (Len %d), want %d", len(got), tr.Len(), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("item %d = %v, want %v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestTranscript_MinimumCapacity(t *testing.T) {
	tr := NewTranscript(0)
	if tr.Cap() != 1 {
		t.Errorf("Cap = %d, want 1", tr.Cap())
	}
}

func TestTranscript_ItemsIsCopy(t *testing.T) {
	tr := NewTranscript(2)
	tr.Append(Utterance{Role: "user", Content: "hi"})
	items := tr.Items()
	items[0].Content = "changed"
	if tr.Items()[0].Content != "hi" {
		t.Error("Items exposed internal buffer")
	}
}

func TestTranscript_Reset(t *testing.T) {
	tr := NewTranscript(3)
	for _, u := range utterances(5) {
		tr.Append(u)
	}
	tr.Reset()
	if tr.Len() != 0 || len(tr.Items()) != 0 {
		t.Errorf("after Reset: Len=%d", tr.Len())
	}
	tr.Append(Utterance{Role: "agent", Content: "fresh"})
	if got := tr.Items(); len(got) != 1 || got[0].Content != "fresh" {
		t.Errorf("after Reset+Append: %v", got)
	}
}
