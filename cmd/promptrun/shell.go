package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/command"
	"github.com/rhuss/promptrun/pkg/engine"
)

const shellHelp = `Commands:
  <prompt>                      generate, compile and run
  generate <prompt>             same as above
  generate the code "<prompt>"  same as above
  generate only <prompt>        generate without running
  compile and run               run the last program again
  stop                          cancel the running command
  exit                          leave the shell
`

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine()
		return newSession(eng, cmd.OutOrStdout()).serve(cmd.Context(), cmd.InOrStdin())
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

// session runs shell commands one at a time on a worker goroutine while
// the reader stays free to handle stop.
type session struct {
	eng *engine.Engine
	out *syncWriter

	mu     sync.Mutex
	cancel context.CancelFunc
	source string
}

func newSession(eng *engine.Engine, w io.Writer) *session {
	return &session{eng: eng, out: &syncWriter{w: w}}
}

// serve reads commands from in until EOF, exit or ctx cancellation. It
// waits for queued commands before returning.
func (s *session) serve(ctx context.Context, in io.Reader) error {
	queue := make(chan command.Command, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for c := range queue {
			if ctx.Err() != nil {
				continue
			}
			s.handle(ctx, c)
		}
	}()

	fmt.Fprint(s.out, "promptrun shell, type help for commands\n")
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(sc.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			close(queue)
			wg.Wait()
			return nil
		case "help":
			fmt.Fprint(s.out, shellHelp)
			continue
		}

		c, err := command.Parse(line)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			continue
		}
		if c.Kind == command.Stop {
			if !s.stop() {
				fmt.Fprintln(s.out, "nothing to stop")
			}
			continue
		}
		select {
		case queue <- c:
		default:
			fmt.Fprintln(s.out, "too many pending commands, type stop or wait")
		}
	}
	close(queue)
	wg.Wait()
	return sc.Err()
}

// handle runs one command on a cancellable context.
func (s *session) handle(parent context.Context, c command.Command) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	fmt.Fprintf(s.out, "> %s\n", c.Description())
	var err error
	switch c.Kind {
	case command.Workflow:
		err = s.workflow(ctx, c.Prompt)
	case command.Generate:
		err = s.generate(ctx, c.Prompt)
	case command.CompileRun:
		err = s.compileRun(ctx)
	}
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

// stop cancels the running command and reports whether there was one.
func (s *session) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func (s *session) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *session) lastSource() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

func (s *session) remember(src string) {
	if src == "" {
		return
	}
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

func (s *session) workflow(ctx context.Context, prompt string) error {
	run, err := workflow(ctx, s.eng, newRenderer(s.out, s.out, false), prompt)
	if run != nil {
		s.remember(run.Source)
	}
	return err
}

func (s *session) generate(ctx context.Context, prompt string) error {
	res, err := s.eng.GenerateCode(ctx, &api.GenerateRequest{Prompt: prompt, Model: modelName})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("generation failed: %s", res.Error)
	}
	s.remember(res.Code)
	fmt.Fprint(s.out, ensureNewline(res.Code))
	return nil
}

func (s *session) compileRun(ctx context.Context) error {
	src := s.lastSource()
	if src == "" {
		return fmt.Errorf("no program yet, generate one first")
	}
	resp, err := s.eng.Execute(ctx, &api.ExecuteRequest{Source: src, AllowUnsafe: allowUnsafe})
	if err != nil {
		return err
	}
	if !resp.Compile.Success {
		printDiagnostics(s.out, resp.Compile, src)
		return errCompileFailed
	}
	fmt.Fprint(s.out, resp.Result.Output)
	if !resp.Result.Success {
		return fmt.Errorf("%s: %s", resp.Result.Outcome, resp.Result.Error)
	}
	return nil
}

// syncWriter serializes writes from the reader and the worker.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.w.(fmt.Stringer); ok {
		return s.String()
	}
	return ""
}
