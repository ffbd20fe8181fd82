package interaction

import (
	"strings"
	"testing"
)

func TestParseSelection(t *testing.T) {
	tests := []struct {
		input   string
		n       int
		want    Selection
		wantErr bool
	}{
		{"all", 5, Selection{All: true}, false},
		{"ALL", 5, Selection{All: true}, false},
		{"none", 5, Selection{None: true}, false},
		{"", 5, Selection{None: true}, false},
		{"1", 3, Selection{Indices: []int{1}}, false},
		{"1,3", 3, Selection{Indices: []int{1, 3}}, false},
		{"1,3,5-7", 8, Selection{Indices: []int{1, 3, 5, 6, 7}}, false},
		{"2-2", 3, Selection{Indices: []int{2}}, false},
		{"3,1,2-3", 3, Selection{Indices: []int{1, 2, 3}}, false},
		{"0", 3, Selection{}, true},
		{"4", 3, Selection{}, true},
		{"2-9", 3, Selection{}, true},
		{"7-5", 9, Selection{}, true},
		{"a,b", 3, Selection{}, true},
		{"1,,2", 3, Selection{Indices: []int{1, 2}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSelection(tt.input, tt.n)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSelection failed: %v", err)
			}
			if got.All != tt.want.All || got.None != tt.want.None {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if len(got.Indices) != len(tt.want.Indices) {
				t.Fatalf("indices = %v, want %v", got.Indices, tt.want.Indices)
			}
			for i := range got.Indices {
				if got.Indices[i] != tt.want.Indices[i] {
					t.Errorf("indices = %v, want %v", got.Indices, tt.want.Indices)
					break
				}
			}
		})
	}
}

func TestSelectionContains(t *testing.T) {
	all := Selection{All: true}
	none := Selection{None: true}
	some := Selection{Indices: []int{1, 3}}

	for i := 1; i <= 3; i++ {
		if !all.Contains(i) {
			t.Errorf("All should contain %d", i)
		}
		if none.Contains(i) {
			t.Errorf("None should not contain %d", i)
		}
	}
	if !some.Contains(1) || some.Contains(2) || !some.Contains(3) {
		t.Error("index selection membership wrong")
	}
}

func TestTerminalChooserConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"Y\n", true},
		{"n\n", false},
		{"\n", false},
		{"whatever\n", false},
	}
	for _, tt := range tests {
		c := &TerminalChooser{
			In:         strings.NewReader(tt.input),
			Out:        &strings.Builder{},
			isTerminal: func() bool { return true },
		}
		got, err := c.Confirm("proceed?")
		if err != nil {
			t.Fatalf("Confirm failed: %v", err)
		}
		if got != tt.want {
			t.Errorf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTerminalChooserNonInteractive(t *testing.T) {
	c := &TerminalChooser{
		In:         strings.NewReader(""),
		Out:        &strings.Builder{},
		isTerminal: func() bool { return false },
	}
	if _, err := c.Confirm("proceed?"); err != ErrNonInteractive {
		t.Errorf("err = %v, want ErrNonInteractive", err)
	}
	if _, err := c.Select([]string{"a"}); err != ErrNonInteractive {
		t.Errorf("err = %v, want ErrNonInteractive", err)
	}

	// --yes still answers without a terminal.
	c.AssumeYes = true
	ok, err := c.Confirm("proceed?")
	if err != nil || !ok {
		t.Errorf("AssumeYes Confirm = %v, %v", ok, err)
	}
}

func TestTerminalChooserSelect(t *testing.T) {
	out := &strings.Builder{}
	c := &TerminalChooser{
		In:         strings.NewReader("1,3\n"),
		Out:        out,
		isTerminal: func() bool { return true },
	}
	sel, err := c.Select([]string{"i-a", "i-b", "i-c"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if !sel.Contains(1) || sel.Contains(2) || !sel.Contains(3) {
		t.Errorf("selection = %+v", sel)
	}
	if !strings.Contains(out.String(), "1. i-a") {
		t.Error("items were not presented")
	}
}
