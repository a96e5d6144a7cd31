package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNoInput is returned when the input ends mid prompt.
var ErrNoInput = errors.New("no input")

func ask(sc *bufio.Scanner, out io.Writer, question string) (string, error) {
	fmt.Fprint(out, question)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", ErrNoInput
	}
	return sc.Text(), nil
}

// PromptForNote reads a note body and comment. The body is either typed
// in or loaded from a file.
func PromptForNote(sc *bufio.Scanner, out io.Writer) (data []byte, comment string, err error) {
	path, err := ask(sc, out, "Enter file path to load (leave empty for manual input): ")
	if err != nil {
		return nil, "", err
	}
	if path = strings.TrimSpace(path); path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read file %q: %w", path, err)
		}
	} else {
		text, err := ask(sc, out, "Enter note (will be encrypted): ")
		if err != nil {
			return nil, "", err
		}
		data = []byte(text)
	}
	comment, err = ask(sc, out, "Enter comment: ")
	if err != nil {
		return nil, "", err
	}
	return data, comment, nil
}
