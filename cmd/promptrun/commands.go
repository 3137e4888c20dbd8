package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/engine"
)

var (
	generateCodeOnly bool
	workflowShowCode bool
	workflowJSON     bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Stream model output for a prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine()
		return generateOutput(cmd, eng, promptArg(args))
	},
}

var compileCmd = &cobra.Command{
	Use:   "compile <file>",
	Short: "Compile a Go file and print its diagnostics",
	Long:  `Compile a Go file against the trust set. Use "-" to read standard input.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := readSource(cmd, args[0])
		if err != nil {
			return err
		}
		eng, closeEngine, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		res, err := eng.Compile(cmd.Context(), &api.CompileRequest{Source: src, AllowUnsafe: allowUnsafe})
		if err != nil {
			return err
		}
		printDiagnostics(cmd.OutOrStdout(), res, src)
		if !res.Success {
			return errCompileFailed
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok %s (%d imports)\n", res.Artifact.ID, len(res.Artifact.Imports))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Compile and run a Go file in the sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := readSource(cmd, args[0])
		if err != nil {
			return err
		}
		eng, closeEngine, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine()
		return executeSource(cmd, eng, src)
	},
}

var workflowCmd = &cobra.Command{
	Use:   "workflow <prompt>",
	Short: "Generate, compile and run a program from a prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		if workflowJSON {
			run, err := eng.Run(cmd.Context(), &api.RunRequest{Prompt: promptArg(args), Model: modelName, AllowUnsafe: allowUnsafe}, nil)
			if run != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(run); encErr != nil {
					return encErr
				}
			}
			if err != nil {
				return err
			}
			return runError(run)
		}
		_, err = workflow(cmd.Context(), eng, newRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), workflowShowCode), promptArg(args))
		return err
	},
}

func init() {
	generateCmd.Flags().BoolVar(&generateCodeOnly, "code", false, "print only the extracted program")
	workflowCmd.Flags().BoolVar(&workflowShowCode, "show-code", true, "echo the model output while it streams")
	workflowCmd.Flags().BoolVar(&workflowJSON, "json", false, "print the finished run as JSON")

	rootCmd.AddCommand(generateCmd, compileCmd, runCmd, workflowCmd)
}

var errCompileFailed = errors.New("compilation failed")

func readSource(cmd *cobra.Command, path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(data), nil
}

func generateOutput(cmd *cobra.Command, eng *engine.Engine, prompt string) error {
	req := &api.GenerateRequest{Prompt: prompt, Model: modelName}
	out := cmd.OutOrStdout()
	if generateCodeOnly {
		res, err := eng.GenerateCode(cmd.Context(), req)
		if err != nil {
			return err
		}
		if !res.Success {
			return errors.New(res.Error)
		}
		_, err = io.WriteString(out, ensureNewline(res.Code))
		return err
	}

	stream, err := eng.Generate(cmd.Context(), req)
	if err != nil {
		return err
	}
	defer stream.Close()
	for chunk := range stream.Chunks() {
		if _, err := io.WriteString(out, chunk.Text); err != nil {
			return err
		}
	}
	fmt.Fprintln(out)
	return stream.Err()
}

func executeSource(cmd *cobra.Command, eng *engine.Engine, src string) error {
	resp, err := eng.Execute(cmd.Context(), &api.ExecuteRequest{Source: src, AllowUnsafe: allowUnsafe})
	if err != nil {
		return err
	}
	if !resp.Compile.Success {
		printDiagnostics(cmd.ErrOrStderr(), resp.Compile, src)
		return errCompileFailed
	}
	res := resp.Result
	if _, err := io.WriteString(cmd.OutOrStdout(), res.Output); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s: %s", res.Outcome, res.Error)
	}
	return nil
}

// printDiagnostics writes one line per diagnostic. When src is known, the
// offending source line follows with a caret under the reported column.
func printDiagnostics(w io.Writer, res *api.CompileResult, src string) {
	var lines []string
	if src != "" {
		lines = strings.Split(src, "\n")
	}
	for _, d := range res.Diagnostics {
		msg := d.String()
		fmt.Fprintln(w, msg)
		line, col, ok := api.ParseDiagnosticPosition(msg)
		if !ok || line >= len(lines) {
			continue
		}
		text := strings.TrimRight(lines[line], "\r")
		col = min(col, len(text))
		fmt.Fprintf(w, "\t%s\n\t%s^\n", text, caretIndent(text[:col]))
	}
}

// caretIndent blanks out prefix while keeping its tabs, so the caret lines
// up however the terminal renders them.
func caretIndent(prefix string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		return ' '
	}, prefix)
}

// runError turns a finished run into the command's exit error.
func runError(run *api.Run) error {
	switch run.Status {
	case api.RunStatusCompleted:
		return nil
	case api.RunStatusCancelled:
		return errors.New("run cancelled")
	}
	return fmt.Errorf("%s: %s", run.ErrorKind, run.Error)
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
