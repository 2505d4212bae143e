package execution

import (
	"fmt"
	"testing"
)

func TestOutputBufferEviction(t *testing.T) {
	b := NewOutputBuffer(3)

	for i := 0; i < 5; i++ {
		b.Add(OutputLine{Stream: "stdout", Content: fmt.Sprintf("line %d", i)})
	}

	if got := b.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}

	lines := b.GetAll()
	want := []string{"line 2", "line 3", "line 4"}
	for i, w := range want {
		if lines[i].Content != w {
			t.Errorf("GetAll()[%d] = %q, want %q", i, lines[i].Content, w)
		}
	}
}

func TestOutputBufferGetLast(t *testing.T) {
	b := NewOutputBuffer(10)
	for i := 0; i < 4; i++ {
		b.Add(OutputLine{Content: fmt.Sprintf("line %d", i)})
	}

	last := b.GetLast(2)
	if len(last) != 2 {
		t.Fatalf("GetLast(2) returned %d lines", len(last))
	}
	if last[0].Content != "line 2" || last[1].Content != "line 3" {
		t.Errorf("GetLast(2) = %q, %q", last[0].Content, last[1].Content)
	}

	// asking for more than buffered returns what exists
	if got := len(b.GetLast(100)); got != 4 {
		t.Errorf("GetLast(100) returned %d lines, want 4", got)
	}
}
