package compiler

import (
	"errors"
	"go/scanner"
	"go/token"
	"regexp"
	"strconv"
	"strings"

	"github.com/rhuss/promptrun/pkg/api"
)

func newDiagnostic(fset *token.FileSet, pos token.Pos, sev api.Severity, code, msg string) api.Diagnostic {
	d := api.Diagnostic{Severity: sev, Code: code, Message: msg, File: FileName}
	if p := fset.Position(pos); p.IsValid() {
		d.Position = &api.Position{Line: p.Line, Column: p.Column}
	}
	return d
}

// syntaxDiagnostics converts a go/parser error into diagnostics, one per
// reported syntax error, in source order.
func syntaxDiagnostics(err error) []api.Diagnostic {
	var list scanner.ErrorList
	if errors.As(err, &list) {
		list.Sort()
		diags := make([]api.Diagnostic, 0, len(list))
		for _, e := range list {
			d := api.Diagnostic{Severity: api.SeverityError, Code: CodeSyntax, Message: e.Msg, File: FileName}
			if e.Pos.Line > 0 {
				d.Position = &api.Position{Line: e.Pos.Line, Column: max(e.Pos.Column, 1)}
			}
			diags = append(diags, d)
		}
		return diags
	}
	return []api.Diagnostic{{Severity: api.SeverityError, Code: CodeSyntax, Message: err.Error(), File: FileName}}
}

// interpreterPos matches the "file:line:col: message" and "line:col: message"
// forms the interpreter uses for compile errors.
var interpreterPos = regexp.MustCompile(`^(?:[^:\s]*:)?(\d+):(\d+): (.+)$`)

// semanticDiagnostics converts an interpreter compile error into diagnostics.
// Multi-line errors produce one diagnostic per line.
func semanticDiagnostics(err error) []api.Diagnostic {
	var list scanner.ErrorList
	if errors.As(err, &list) {
		return syntaxDiagnostics(err)
	}

	var diags []api.Diagnostic
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		d := api.Diagnostic{Severity: api.SeverityError, Code: CodeSemantic, Message: line, File: FileName}
		if m := interpreterPos.FindStringSubmatch(line); m != nil {
			ln, _ := strconv.Atoi(m[1])
			col, _ := strconv.Atoi(m[2])
			if ln > 0 {
				d.Position = &api.Position{Line: ln, Column: max(col, 1)}
				d.Message = m[3]
			}
		}
		diags = append(diags, d)
	}
	return diags
}
