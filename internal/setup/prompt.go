// Package setup implements the interactive first-run wizard that guides users
// through configuring, installing, and starting the Unforgotten daemon.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// errNoInput is returned when input ends before a required answer.
var errNoInput = errors.New("no input")

// Asker is the set of questions the wizard asks. [Prompter] answers them
// from plain lines; [FormAsker] draws terminal forms.
type Asker interface {
	// String asks for text. An empty defaultVal makes the answer required.
	String(label, defaultVal string) (string, error)

	// Secret asks for a required value that should not be echoed.
	Secret(label string) (string, error)

	// Confirm asks a yes/no question.
	Confirm(label string, defaultYes bool) (bool, error)

	// Select returns the index of the chosen option.
	Select(label string, options []string) (int, error)
}

// Prompter answers questions from a line-oriented reader. It is used when
// stdin is not a terminal (piped input, tests).
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

var _ Asker = (*Prompter)(nil)

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// next reads one trimmed line; ok is false once input is exhausted.
func (p *Prompter) next() (line string, ok bool) {
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// String returns defaultVal for an empty answer or at end of input. With
// no default the prompt repeats until a value is given.
func (p *Prompter) String(label, defaultVal string) (string, error) {
	for {
		if defaultVal != "" {
			_, _ = fmt.Fprintf(p.w, "  %s [%s]: ", label, defaultVal)
		} else {
			_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		}

		val, ok := p.next()
		switch {
		case !ok && defaultVal == "":
			return "", fmt.Errorf("%s: %w", label, errNoInput)
		case !ok, val == "":
			if defaultVal != "" {
				return defaultVal, nil
			}
			_, _ = fmt.Fprintf(p.w, "  (required, please enter a value)\n")
		default:
			return val, nil
		}
	}
}

// Secret reads the value like any other line; masking needs a terminal,
// which is the FormAsker's job.
func (p *Prompter) Secret(label string) (string, error) {
	return p.String(label+" (input visible)", "")
}

// Confirm takes defaultYes for an empty answer or at end of input.
func (p *Prompter) Confirm(label string, defaultYes bool) (bool, error) {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	_, _ = fmt.Fprintf(p.w, "  %s %s: ", label, hint)

	answer, ok := p.next()
	if !ok || answer == "" {
		return defaultYes, nil
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes", nil
}

// Select presents a numbered list and reads a 1-based choice.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("%s: no options to select from", label)
	}

	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}

	for {
		_, _ = fmt.Fprintf(p.w, "  Choice [1-%d]: ", len(options))

		val, ok := p.next()
		if !ok {
			return -1, fmt.Errorf("%s: %w", label, errNoInput)
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 || n > len(options) {
			_, _ = fmt.Fprintf(p.w, "  (enter a number between 1 and %d)\n", len(options))
			continue
		}
		return n - 1, nil
	}
}
