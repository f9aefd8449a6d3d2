package setup

import (
	"errors"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// isTerminal is a test seam for term.IsTerminal.
var isTerminal = term.IsTerminal

// FormAsker answers questions with huh forms drawn on a terminal.
type FormAsker struct {
	in  io.Reader
	out io.Writer
}

var _ Asker = (*FormAsker)(nil)

// newAsker returns a FormAsker when r is a terminal and a line Prompter
// otherwise.
func newAsker(r io.Reader, w io.Writer) Asker {
	if f, ok := r.(*os.File); ok && isTerminal(int(f.Fd())) {
		return &FormAsker{in: r, out: w}
	}
	return NewPrompter(r, w)
}

func (f *FormAsker) run(field huh.Field) error {
	err := huh.NewForm(huh.NewGroup(field)).
		WithInput(f.in).
		WithOutput(f.out).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return errors.New("setup aborted")
	}
	return err
}

func (f *FormAsker) String(label, defaultVal string) (string, error) {
	val := defaultVal
	in := huh.NewInput().Title(label).Value(&val)
	if defaultVal == "" {
		in = in.Validate(required)
	}
	if err := f.run(in); err != nil {
		return "", err
	}
	if val == "" {
		return defaultVal, nil
	}
	return val, nil
}

func (f *FormAsker) Secret(label string) (string, error) {
	var val string
	in := huh.NewInput().
		Title(label).
		EchoMode(huh.EchoModePassword).
		Validate(required).
		Value(&val)
	if err := f.run(in); err != nil {
		return "", err
	}
	return val, nil
}

func (f *FormAsker) Confirm(label string, defaultYes bool) (bool, error) {
	val := defaultYes
	c := huh.NewConfirm().
		Title(label).
		Affirmative("Yes").
		Negative("No").
		Value(&val)
	if err := f.run(c); err != nil {
		return false, err
	}
	return val, nil
}

func (f *FormAsker) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, errors.New(label + ": no options to select from")
	}
	idx := 0
	s := huh.NewSelect[int]().
		Title(label).
		Options(selectOptions(options)...).
		Value(&idx)
	if err := f.run(s); err != nil {
		return -1, err
	}
	return idx, nil
}

// selectOptions keys each label by its position.
func selectOptions(labels []string) []huh.Option[int] {
	opts := make([]huh.Option[int], len(labels))
	for i, l := range labels {
		opts[i] = huh.NewOption(l, i)
	}
	return opts
}

func required(s string) error {
	if s == "" {
		return errors.New("a value is required")
	}
	return nil
}
