package compiler

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/rhuss/promptrun/pkg/api"
)

const helloWorld = `package main

import "fmt"

func main() {
	fmt.Println("Hello, World!")
}
`

var positionSuffix = regexp.MustCompile(`\(\d+,\d+\)`)

func compile(t *testing.T, src string, opts api.CompileOptions) *api.CompileResult {
	t.Helper()
	return New().Compile(context.Background(), src, opts)
}

func TestCompileHelloWorld(t *testing.T) {
	r := compile(t, helloWorld, api.CompileOptions{})
	if !r.Success {
		t.Fatalf("Success = false, diagnostics: %v", r.Messages())
	}
	if r.Artifact == nil {
		t.Fatal("Artifact = nil on success")
	}
	if r.Artifact.ID == "" || r.Artifact.Package != "main" {
		t.Errorf("unexpected artifact %+v", r.Artifact)
	}
	if string(r.Artifact.Source) != helloWorld {
		t.Error("artifact source differs from input")
	}
	if len(r.Artifact.Imports) != 1 || r.Artifact.Imports[0] != "fmt" {
		t.Errorf("Imports = %v, want [fmt]", r.Artifact.Imports)
	}
	if r.HasErrors() {
		t.Errorf("error diagnostics on success: %v", r.Messages())
	}
	if r.Diagnostics == nil {
		t.Error("Diagnostics should be an empty list, not nil")
	}
}

func TestCompileMissingSemicolon(t *testing.T) {
	src := `package main

import "fmt"

func main() {
	x := 1 fmt.Println(x)
}
`
	r := compile(t, src, api.CompileOptions{})
	if r.Success {
		t.Fatal("Success = true for a missing semicolon")
	}
	if r.Artifact != nil {
		t.Error("Artifact must be nil on failure")
	}
	if len(r.Diagnostics) == 0 {
		t.Fatal("no diagnostics reported")
	}
	for _, msg := range r.Messages() {
		if !positionSuffix.MatchString(msg) {
			t.Errorf("diagnostic %q lacks a (line,column) suffix", msg)
		}
	}
	if d := r.Diagnostics[0]; d.Position == nil || d.Position.Line != 6 {
		t.Errorf("first diagnostic position = %+v, want line 6", d.Position)
	}
}

func TestCompileReportsAllSyntaxErrorsInOrder(t *testing.T) {
	src := "package main\n\nfunc main() {\n\ta := \n}\n\nfunc other() {\n\tb := \n}\n"
	r := compile(t, src, api.CompileOptions{})
	if r.Success {
		t.Fatal("expected failure")
	}
	if len(r.Diagnostics) < 2 {
		t.Fatalf("got %d diagnostics, want at least 2: %v", len(r.Diagnostics), r.Messages())
	}
	for i := 1; i < len(r.Diagnostics); i++ {
		if r.Diagnostics[i].Position.Line < r.Diagnostics[i-1].Position.Line {
			t.Errorf("diagnostics out of order: %v", r.Messages())
		}
	}
}

func TestCompileRejectsUntrustedImports(t *testing.T) {
	tests := []struct {
		name     string
		imp      string
		wantCode string
	}{
		{"os", "os", CodeImport},
		{"network", "net/http", CodeImport},
		{"exec", "os/exec", CodeImport},
		{"third party", "github.com/evil/pkg", CodeImport},
		{"unsafe without opt-in", "unsafe", CodeUnsafe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "package main\n\nimport _ \"" + tt.imp + "\"\n\nfunc main() {}\n"
			r := compile(t, src, api.CompileOptions{})
			if r.Success || r.Artifact != nil {
				t.Fatal("untrusted import compiled")
			}
			d := r.Diagnostics[0]
			if d.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", d.Code, tt.wantCode)
			}
			if d.Position == nil || d.Position.Line != 3 {
				t.Errorf("Position = %+v, want line 3", d.Position)
			}
		})
	}
}

func TestCompileUntrustedImportMessage(t *testing.T) {
	r := compile(t, "package main\n\nimport \"os\"\n\nfunc main() { os.Exit(1) }\n", api.CompileOptions{})
	if r.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(r.Diagnostics[0].Message, "dependency not found") {
		t.Errorf("message %q should say dependency not found", r.Diagnostics[0].Message)
	}
}

func TestCompileAllowsUnsafeWithOptIn(t *testing.T) {
	src := `package main

import "unsafe"

var p unsafe.Pointer

func main() {
	_ = p
}
`
	r := compile(t, src, api.CompileOptions{AllowUnsafe: true})
	for _, d := range r.Diagnostics {
		if d.Code == CodeUnsafe || d.Code == CodeImport {
			t.Errorf("unexpected %s diagnostic with unsafe allowed: %s", d.Code, d)
		}
	}
	if r.Artifact != nil && !r.Artifact.AllowUnsafe {
		t.Error("artifact should record AllowUnsafe")
	}
}

func TestCompileSemanticError(t *testing.T) {
	src := `package main

import "fmt"

func main() {
	fmt.Println(undefinedName)
}
`
	r := compile(t, src, api.CompileOptions{})
	if r.Success {
		t.Fatal("Success = true for an undefined identifier")
	}
	var found bool
	for _, d := range r.Diagnostics {
		if d.Severity == api.SeverityError && strings.Contains(d.Message, "undefined") {
			found = true
			if d.Position == nil {
				t.Errorf("semantic diagnostic has no position: %s", d)
			}
		}
	}
	if !found {
		t.Errorf("no undefined diagnostic in %v", r.Messages())
	}
}

func TestCompileWarnings(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no main", "package main\n\nfunc helper() int { return 1 }\n"},
		{"not main package", "package tool\n\nfunc Run() {}\n"},
		{"empty main", "package main\n\nfunc main() {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := compile(t, tt.src, api.CompileOptions{})
			if !r.Success {
				t.Fatalf("expected success, got %v", r.Messages())
			}
			if len(r.Diagnostics) != 1 {
				t.Fatalf("got %d diagnostics, want 1 warning: %v", len(r.Diagnostics), r.Messages())
			}
			d := r.Diagnostics[0]
			if d.Severity != api.SeverityWarning || d.Code != CodeEntry {
				t.Errorf("unexpected diagnostic %s", d)
			}
			if !positionSuffix.MatchString(d.String()) {
				t.Errorf("warning %q lacks a position", d)
			}
		})
	}
}

func TestCompileFreshArtifactIDs(t *testing.T) {
	c := New()
	a := c.Compile(context.Background(), helloWorld, api.CompileOptions{})
	b := c.Compile(context.Background(), helloWorld, api.CompileOptions{})
	if !a.Success || !b.Success {
		t.Fatal("compile failed")
	}
	if a.Artifact.ID == b.Artifact.ID {
		t.Errorf("identical source produced identical artifact IDs %q", a.Artifact.ID)
	}
}

func TestWithPackagesRestrictsTrustSet(t *testing.T) {
	c := New(WithPackages([]string{"fmt"}))
	src := "package main\n\nimport \"strings\"\n\nfunc main() { _ = strings.ToUpper(\"x\") }\n"
	r := c.Compile(context.Background(), src, api.CompileOptions{})
	if r.Success {
		t.Fatal("strings should not be trusted")
	}
	if r.Diagnostics[0].Code != CodeImport {
		t.Errorf("Code = %q, want %q", r.Diagnostics[0].Code, CodeImport)
	}
}

func TestSemanticDiagnosticsParsing(t *testing.T) {
	diags := semanticDiagnostics(errorString("6:14: undefined: y\n_.go:8:2: missing return"))
	if len(diags) != 2 {
		t.Fatalf("got %d diagnostics, want 2", len(diags))
	}
	if diags[0].Position == nil || *diags[0].Position != (api.Position{Line: 6, Column: 14}) {
		t.Errorf("first position = %+v", diags[0].Position)
	}
	if diags[0].Message != "undefined: y" {
		t.Errorf("first message = %q", diags[0].Message)
	}
	if diags[1].Position == nil || diags[1].Position.Line != 8 {
		t.Errorf("second position = %+v", diags[1].Position)
	}

	plain := semanticDiagnostics(errorString("something went wrong"))
	if len(plain) != 1 || plain[0].Position != nil {
		t.Errorf("unexpected diagnostics for positionless error: %+v", plain)
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }
