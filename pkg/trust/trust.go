// Package trust defines the fixed set of standard library packages that
// generated programs may import. The compiler checks imports against the
// set and the sandbox resolves symbols only through it, so anything outside
// the set fails closed.
package trust

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"slices"
	"strings"
	"testing/fstest"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	unsafesyms "github.com/traefik/yaegi/stdlib/unsafe"
)

// ErrDependencyNotFound is returned for any import outside the trust set.
var ErrDependencyNotFound = errors.New("dependency not found")

// SourceFS is the interpreter's source file system. It is empty, so an
// import that is not in the symbol table cannot be satisfied from disk.
var SourceFS fs.FS = fstest.MapFS{}

// UnsafePackage is only trusted when unsafe code is explicitly allowed.
const UnsafePackage = "unsafe"

// DefaultPackages is the base library set. It deliberately excludes
// packages that reach the file system, network, or process state
// (os, io/ioutil, net, os/exec, syscall, plugin, reflect) and the
// generic-only packages the interpreter cannot export (slices, maps, cmp).
var DefaultPackages = []string{
	"bufio",
	"bytes",
	"container/heap",
	"container/list",
	"container/ring",
	"encoding/base64",
	"encoding/binary",
	"encoding/csv",
	"encoding/hex",
	"encoding/json",
	"errors",
	"fmt",
	"hash/crc32",
	"hash/fnv",
	"io",
	"math",
	"math/big",
	"math/bits",
	"math/cmplx",
	"math/rand",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"sync",
	"sync/atomic",
	"text/tabwriter",
	"time",
	"unicode",
	"unicode/utf16",
	"unicode/utf8",
}

// Set is an immutable allow-list of import paths.
type Set struct {
	packages    map[string]bool
	allowUnsafe bool
}

// New builds a Set from the given import paths. "unsafe" is only added
// when allowUnsafe is true, regardless of the list.
func New(packages []string, allowUnsafe bool) *Set {
	s := &Set{packages: make(map[string]bool, len(packages)+1), allowUnsafe: allowUnsafe}
	for _, p := range packages {
		if p == UnsafePackage {
			continue
		}
		s.packages[p] = true
	}
	// fmt must always resolve: the interpreter hooks its stdout through it.
	s.packages["fmt"] = true
	if allowUnsafe {
		s.packages[UnsafePackage] = true
	}
	return s
}

// Default returns the default trust set.
func Default(allowUnsafe bool) *Set {
	return New(DefaultPackages, allowUnsafe)
}

// Allowed reports whether path may be imported.
func (s *Set) Allowed(path string) bool {
	return s.packages[path]
}

// AllowUnsafe reports whether the unsafe package is trusted.
func (s *Set) AllowUnsafe() bool {
	return s.allowUnsafe
}

// Packages lists the trusted import paths, sorted.
func (s *Set) Packages() []string {
	out := make([]string, 0, len(s.packages))
	for p := range s.packages {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Resolve returns the exported symbols for one trusted import path.
func (s *Set) Resolve(path string) (string, map[string]reflect.Value, error) {
	if !s.Allowed(path) {
		return "", nil, fmt.Errorf("%w: %q", ErrDependencyNotFound, path)
	}
	src := stdlib.Symbols
	if path == UnsafePackage {
		src = unsafesyms.Symbols
	}
	key, syms, ok := lookup(src, path)
	if !ok {
		return "", nil, fmt.Errorf("%w: %q has no symbols", ErrDependencyNotFound, path)
	}
	return key, syms, nil
}

// Exports builds the interpreter symbol table for a program importing
// the given paths. fmt is always included. Any path outside the set
// fails the whole lookup.
func (s *Set) Exports(imports []string) (interp.Exports, error) {
	exports := interp.Exports{}
	if types, ok := stdlib.Symbols["."]; ok {
		exports["."] = types
	}
	for _, path := range append([]string{"fmt"}, imports...) {
		key, syms, err := s.Resolve(path)
		if err != nil {
			return nil, err
		}
		exports[key] = syms
	}
	return exports, nil
}

// lookup finds the symbol map for an import path. Keys have the form
// "<import path>/<package name>".
func lookup(src interp.Exports, path string) (string, map[string]reflect.Value, bool) {
	for key, syms := range src {
		rest, ok := strings.CutPrefix(key, path+"/")
		if ok && rest != "" && !strings.Contains(rest, "/") {
			return key, syms, true
		}
	}
	return "", nil, false
}
