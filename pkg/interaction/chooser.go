// Package interaction abstracts the interactive prompts the fleet and cleanup
// flows need, so tests can inject deterministic choosers and non-interactive
// runs can be driven by flags.
package interaction

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// ErrNonInteractive is returned when a prompt is required but stdin is not a
// terminal and no non-interactive default was configured.
var ErrNonInteractive = errors.New("interactive prompt required but stdin is not a terminal")

// Selection is a parsed retention choice over an indexed list.
type Selection struct {
	All     bool
	None    bool
	Indices []int // 1-based, sorted, unique
}

// Contains reports whether 1-based index i is selected.
func (s Selection) Contains(i int) bool {
	if s.All {
		return true
	}
	if s.None {
		return false
	}
	for _, idx := range s.Indices {
		if idx == i {
			return true
		}
	}
	return false
}

// Chooser is the prompt capability. Confirm asks a yes/no question; Select
// asks which of the presented items to keep.
type Chooser interface {
	Confirm(message string) (bool, error)
	Select(items []string) (Selection, error)
}

// ParseSelection parses "all", "none", or an index expression with
// comma-separated items and closed ranges ("1,3,5-7") against a list of n
// items. Indices are 1-based.
func ParseSelection(input string, n int) (Selection, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	switch input {
	case "all", "a":
		return Selection{All: true}, nil
	case "none", "":
		return Selection{None: true}, nil
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(lo))
			end, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil {
				return Selection{}, fmt.Errorf("invalid range %q", part)
			}
			if start > end {
				return Selection{}, fmt.Errorf("descending range %q", part)
			}
			for i := start; i <= end; i++ {
				if i < 1 || i > n {
					return Selection{}, fmt.Errorf("index %d out of range 1-%d", i, n)
				}
				seen[i] = true
			}
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil {
			return Selection{}, fmt.Errorf("invalid index %q", part)
		}
		if i < 1 || i > n {
			return Selection{}, fmt.Errorf("index %d out of range 1-%d", i, n)
		}
		seen[i] = true
	}
	if len(seen) == 0 {
		return Selection{None: true}, nil
	}
	indices := make([]int, 0, len(seen))
	for i := range seen {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return Selection{Indices: indices}, nil
}

// TerminalChooser prompts on the controlling terminal.
type TerminalChooser struct {
	In  io.Reader
	Out io.Writer

	// AssumeYes answers every Confirm affirmatively (the --yes flag).
	AssumeYes bool

	// isTerminal is swapped out in tests.
	isTerminal func() bool
}

// NewTerminalChooser returns a chooser over stdin/stdout.
func NewTerminalChooser(assumeYes bool) *TerminalChooser {
	return &TerminalChooser{
		In:        os.Stdin,
		Out:       os.Stdout,
		AssumeYes: assumeYes,
		isTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

// Confirm asks a yes/no question, defaulting to no.
func (t *TerminalChooser) Confirm(message string) (bool, error) {
	if t.AssumeYes {
		return true, nil
	}
	if !t.interactive() {
		return false, ErrNonInteractive
	}
	fmt.Fprintf(t.Out, "%s [y/N]: ", message)
	line, err := t.readLine()
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// Select presents the items and reads a retention expression.
func (t *TerminalChooser) Select(items []string) (Selection, error) {
	if !t.interactive() {
		return Selection{}, ErrNonInteractive
	}
	for i, item := range items {
		fmt.Fprintf(t.Out, "  %d. %s\n", i+1, item)
	}
	fmt.Fprintf(t.Out, "Keep which instances? (all / none / e.g. 1,3,5-7): ")
	line, err := t.readLine()
	if err != nil {
		return Selection{}, err
	}
	return ParseSelection(line, len(items))
}

func (t *TerminalChooser) interactive() bool {
	if t.isTerminal == nil {
		return true
	}
	return t.isTerminal()
}

func (t *TerminalChooser) readLine() (string, error) {
	reader := bufio.NewReader(t.In)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", errors.Wrap(err, "reading prompt response")
	}
	return line, nil
}

// StaticChooser answers prompts from fixed values. Used for non-interactive
// runs (--yes --keep none) and in tests.
type StaticChooser struct {
	ConfirmAnswer bool
	Keep          string
}

func (s StaticChooser) Confirm(string) (bool, error) {
	return s.ConfirmAnswer, nil
}

func (s StaticChooser) Select(items []string) (Selection, error) {
	return ParseSelection(s.Keep, len(items))
}
