package main

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	sqlKeywordPattern = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with)\b`)
	markerPattern     = regexp.MustCompile(`^--sql ([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)
)

type violation struct {
	file    string
	line    int
	name    string
	message string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", v.file, v.line, v.message, v.name)
}

// linter remembers where each marker was first seen so reused ids are caught
// across files.
type linter struct {
	seen       map[string]string
	violations []violation
}

func lintPaths(targets []string) ([]violation, error) {
	l := &linter{seen: map[string]string{}}
	for _, target := range targets {
		info, err := os.Stat(target)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if filepath.Ext(target) == ".go" {
				if err := l.lintFile(target); err != nil {
					return nil, err
				}
			}
			continue
		}
		err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != target && (strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_") || d.Name() == "vendor") {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			return l.lintFile(path)
		})
		if err != nil {
			return nil, err
		}
	}
	return l.violations, nil
}

func (l *linter) lintFile(path string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, 0)
	if err != nil {
		return err
	}
	ast.Inspect(file, func(n ast.Node) bool {
		spec, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for i, value := range spec.Values {
			name := ""
			if i < len(spec.Names) {
				name = spec.Names[i].Name
			}
			l.checkValue(fset, path, name, value)
		}
		return true
	})
	return nil
}

// checkValue inspects a string constant. Concatenations are judged by their
// whole text, but the marker must lead the first literal.
func (l *linter) checkValue(fset *token.FileSet, path, name string, value ast.Expr) {
	parts := literalParts(value)
	if len(parts) == 0 {
		return
	}
	var full strings.Builder
	for _, p := range parts {
		full.WriteString(p)
	}
	if !sqlKeywordPattern.MatchString(full.String()) {
		return
	}

	pos := fset.Position(value.Pos())
	m := markerPattern.FindStringSubmatch(firstLine(parts[0]))
	if m == nil {
		l.add(path, pos.Line, name, "missing or invalid --sql <uuid> marker")
		return
	}
	id := m[1]
	if prev, dup := l.seen[id]; dup {
		l.add(path, pos.Line, name, "marker "+id+" already used by "+prev)
		return
	}
	l.seen[id] = name
}

func (l *linter) add(path string, line int, name, message string) {
	l.violations = append(l.violations, violation{file: path, line: line, name: name, message: message})
}

// literalParts flattens a chain of + over string literals. Identifiers in the
// chain contribute nothing, so `"--sql ..." + cols` still yields its marker.
func literalParts(expr ast.Expr) []string {
	switch e := expr.(type) {
	case *ast.BasicLit:
		if e.Kind != token.STRING {
			return nil
		}
		s, err := unquote(e.Value)
		if err != nil {
			return nil
		}
		return []string{s}
	case *ast.BinaryExpr:
		if e.Op != token.ADD {
			return nil
		}
		return append(literalParts(e.X), literalParts(e.Y)...)
	case *ast.ParenExpr:
		return literalParts(e.X)
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\n\r \t")
	if idx := strings.IndexAny(s, "\n\r"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func unquote(v string) (string, error) {
	if len(v) >= 2 && v[0] == '`' {
		return v[1 : len(v)-1], nil
	}
	return strconv.Unquote(v)
}
