// Package compiler turns Go source text into an executable artifact or a
// list of diagnostics.
//
// Compilation runs three passes: a syntax pass with go/parser, an import
// pass against the trust set, and a semantic pass that type-checks the
// program with the same interpreter the sandbox uses. Compile errors are
// always returned as diagnostics, never as Go errors.
package compiler

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/traefik/yaegi/interp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/observability"
	"github.com/rhuss/promptrun/pkg/trust"
)

var tracer = otel.Tracer("github.com/rhuss/promptrun/pkg/compiler")

// FileName is the name diagnostics use for the compiled source.
const FileName = "main.go"

// Diagnostic codes.
const (
	CodeSyntax   = "syntax"
	CodeImport   = "import"
	CodeUnsafe   = "unsafe"
	CodeSemantic = "semantic"
	CodeEntry    = "entry"
	CodeInternal = "internal"
)

// Compiler compiles generated programs. It is safe for concurrent use.
type Compiler struct {
	packages []string
	now      func() time.Time
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithPackages replaces the trusted package list.
func WithPackages(packages []string) Option {
	return func(c *Compiler) { c.packages = packages }
}

// New creates a Compiler using the default trust set.
func New(opts ...Option) *Compiler {
	c := &Compiler{packages: trust.DefaultPackages, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TrustSet returns the trust set used for the given options.
func (c *Compiler) TrustSet(allowUnsafe bool) *trust.Set {
	return trust.New(c.packages, allowUnsafe)
}

// Compile checks source and, when no error diagnostics remain, returns an
// artifact tagged with a fresh unique identifier.
func (c *Compiler) Compile(ctx context.Context, source string, opts api.CompileOptions) *api.CompileResult {
	_, span := tracer.Start(ctx, "compiler.Compile", trace.WithAttributes(
		attribute.Int("source.bytes", len(source)),
		attribute.Bool("allow_unsafe", opts.AllowUnsafe),
	))
	defer span.End()

	start := c.now()
	result := c.compile(source, opts)
	observability.RecordCompile(result, time.Since(start))

	span.SetAttributes(
		attribute.Bool("success", result.Success),
		attribute.Int("diagnostics", len(result.Diagnostics)),
	)
	if result.Artifact != nil {
		span.SetAttributes(attribute.String("artifact.id", result.Artifact.ID))
	}
	debug.LogContext(ctx, "compiler", "compile finished",
		"success", result.Success, "diagnostics", len(result.Diagnostics))
	return result
}

func (c *Compiler) compile(source string, opts api.CompileOptions) *api.CompileResult {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, FileName, source, parser.AllErrors)
	if err != nil {
		return failed(syntaxDiagnostics(err))
	}

	set := c.TrustSet(opts.AllowUnsafe)
	imports, diags := checkImports(fset, file, set)
	if hasErrors(diags) {
		return failed(diags)
	}

	diags = append(diags, entryDiagnostics(fset, file)...)

	if semantic := semanticCheck(source, imports, set); len(semantic) > 0 {
		return failed(append(diags, semantic...))
	}

	return &api.CompileResult{
		Success: true,
		Artifact: &api.Artifact{
			ID:          uuid.NewString(),
			Package:     file.Name.Name,
			Source:      []byte(source),
			Imports:     imports,
			AllowUnsafe: opts.AllowUnsafe,
			CreatedAt:   c.now().UTC(),
		},
		Diagnostics: warningsOnly(diags),
	}
}

// checkImports rejects imports outside the trust set. Blank and dot
// imports are treated the same as named ones.
func checkImports(fset *token.FileSet, file *ast.File, set *trust.Set) ([]string, []api.Diagnostic) {
	var (
		imports []string
		diags   []api.Diagnostic
	)
	seen := map[string]bool{}
	for _, spec := range file.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			diags = append(diags, newDiagnostic(fset, spec.Path.Pos(), api.SeverityError, CodeImport,
				fmt.Sprintf("malformed import path %s", spec.Path.Value)))
			continue
		}
		switch {
		case path == trust.UnsafePackage && !set.AllowUnsafe():
			diags = append(diags, newDiagnostic(fset, spec.Path.Pos(), api.SeverityError, CodeUnsafe,
				`import "unsafe" requires unsafe code to be allowed`))
		case !set.Allowed(path):
			diags = append(diags, newDiagnostic(fset, spec.Path.Pos(), api.SeverityError, CodeImport,
				fmt.Sprintf("%s: %q is not in the trusted package set", trust.ErrDependencyNotFound, path)))
		case !seen[path]:
			seen[path] = true
			imports = append(imports, path)
		}
	}
	return imports, diags
}

// entryDiagnostics warns when the program cannot be run as-is.
func entryDiagnostics(fset *token.FileSet, file *ast.File) []api.Diagnostic {
	if file.Name.Name != "main" {
		return []api.Diagnostic{newDiagnostic(fset, file.Name.Pos(), api.SeverityWarning, CodeEntry,
			fmt.Sprintf("package %s is not main; the artifact has no entry point", file.Name.Name))}
	}
	fn := FindMain(file)
	if fn == nil {
		return []api.Diagnostic{newDiagnostic(fset, file.Name.Pos(), api.SeverityWarning, CodeEntry,
			"func main is not declared; the artifact has no entry point")}
	}
	if fn.Body != nil && len(fn.Body.List) == 0 {
		return []api.Diagnostic{newDiagnostic(fset, fn.Pos(), api.SeverityWarning, CodeEntry,
			"func main has an empty body")}
	}
	return nil
}

// FindMain returns the top-level func main() declaration, or nil.
func FindMain(file *ast.File) *ast.FuncDecl {
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Name.Name != "main" {
			continue
		}
		if fn.Type.TypeParams == nil && len(fn.Type.Params.List) == 0 && fn.Type.Results == nil {
			return fn
		}
	}
	return nil
}

// semanticCheck type-checks the program in a throwaway interpreter. The
// program is compiled but never executed.
func semanticCheck(source string, imports []string, set *trust.Set) (diags []api.Diagnostic) {
	defer func() {
		if r := recover(); r != nil {
			diags = []api.Diagnostic{{
				Severity: api.SeverityError,
				Code:     CodeInternal,
				Message:  fmt.Sprintf("compiler panic: %v", r),
				File:     FileName,
			}}
		}
	}()

	exports, err := set.Exports(imports)
	if err != nil {
		return []api.Diagnostic{{Severity: api.SeverityError, Code: CodeImport, Message: err.Error(), File: FileName}}
	}

	i := interp.New(interp.Options{SourcecodeFilesystem: trust.SourceFS})
	if err := i.Use(exports); err != nil {
		return []api.Diagnostic{{Severity: api.SeverityError, Code: CodeInternal, Message: err.Error(), File: FileName}}
	}
	if _, err := i.Compile(source); err != nil {
		return semanticDiagnostics(err)
	}
	return nil
}

func failed(diags []api.Diagnostic) *api.CompileResult {
	return &api.CompileResult{Success: false, Diagnostics: diags}
}

func hasErrors(diags []api.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == api.SeverityError {
			return true
		}
	}
	return false
}

func warningsOnly(diags []api.Diagnostic) []api.Diagnostic {
	out := []api.Diagnostic{}
	for _, d := range diags {
		if d.Severity == api.SeverityWarning {
			out = append(out, d)
		}
	}
	return out
}
