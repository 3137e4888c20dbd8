// Package command parses the short natural-language commands accepted by
// the interactive shell.
package command

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind identifies what a command asks for.
type Kind int

const (
	// Workflow generates, compiles and runs.
	Workflow Kind = iota
	// Generate only generates.
	Generate
	// CompileRun compiles and runs the current source.
	CompileRun
	// Stop cancels whatever is running.
	Stop
)

func (k Kind) String() string {
	switch k {
	case Workflow:
		return "workflow"
	case Generate:
		return "generate"
	case CompileRun:
		return "compile_run"
	case Stop:
		return "stop"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Command is a parsed shell command. Prompt is set for Workflow and
// Generate.
type Command struct {
	Kind   Kind
	Prompt string
}

// Description is a one-line summary for echoing back to the user.
func (c Command) Description() string {
	switch c.Kind {
	case Stop:
		return "Stop the current run"
	case CompileRun:
		return "Compile & run the current code"
	case Generate:
		return fmt.Sprintf("Generate code for %q", c.Prompt)
	}
	return fmt.Sprintf("Generate, compile & run %q", c.Prompt)
}

// ErrEmpty is returned for blank input.
var ErrEmpty = errors.New("empty command")

var (
	stopPattern         = regexp.MustCompile(`(?i)^(?:stop|cancel)$`)
	compileRunPattern   = regexp.MustCompile(`(?i)^compile\s*(?:&|and)\s*run$`)
	generateOnlyPattern = regexp.MustCompile(`(?i)^generate\s+only\s+(.+)$`)
	quotedCodePattern   = regexp.MustCompile("(?i)generate\\s+(?:the\\s+)?code\\s*[`\"'](.+?)[`\"']")
	generatePattern     = regexp.MustCompile(`(?i)^generate\s+(.+)$`)
)

// Parse turns one line of input into a Command. Patterns are tried in
// order; input matching none of them is a Workflow over the whole line.
func Parse(input string) (Command, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Command{}, ErrEmpty
	}

	switch {
	case stopPattern.MatchString(input):
		return Command{Kind: Stop}, nil
	case compileRunPattern.MatchString(input):
		return Command{Kind: CompileRun}, nil
	}
	if m := generateOnlyPattern.FindStringSubmatch(input); m != nil {
		return Command{Kind: Generate, Prompt: strings.TrimSpace(m[1])}, nil
	}
	// The quoted form keeps the prompt verbatim, including edge spaces.
	if m := quotedCodePattern.FindStringSubmatch(input); m != nil {
		return Command{Kind: Workflow, Prompt: m[1]}, nil
	}
	if m := generatePattern.FindStringSubmatch(input); m != nil {
		return Command{Kind: Workflow, Prompt: strings.TrimSpace(m[1])}, nil
	}
	return Command{Kind: Workflow, Prompt: input}, nil
}
