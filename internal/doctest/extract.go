// Package doctest extracts code examples from a library's markdown
// documentation and runs each one as a small program linked against the
// library.
package doctest

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	gmast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/fsops"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Lang is the fence language of doctest blocks. Unlabelled fences count too.
const Lang = "cairn"

// Attrs are the flags of a block, taken from its fence info string.
type Attrs struct {
	Ignore      bool
	NoRun       bool
	ShouldFail  bool
	CompileFail bool
}

// Block is one fenced code example.
type Block struct {
	// File is package-relative and slash-separated.
	File  string
	Line  int
	Code  string
	Attrs Attrs
}

// Name is the case name reported for the block.
func (b Block) Name() string {
	return fmt.Sprintf("%s - line %d", b.File, b.Line)
}

// Extract returns the doctest blocks of lib in file then line order.
func Extract(fs fsops.FS, pkg *workspace.Package, lib *workspace.Target) ([]Block, error) {
	seen := map[string]bool{}
	var files []string
	for _, pattern := range lib.Docs {
		matches, err := fs.Glob(pkg.Root, pattern)
		if err != nil {
			return nil, errs.Wrap(err, errs.KindConfiguration, "%s: invalid docs pattern %q", pkg.ManifestPath, pattern)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)

	var blocks []Block
	for _, rel := range files {
		data, err := fs.ReadFile(filepath.Join(pkg.Root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		blocks = append(blocks, Parse(rel, data)...)
	}
	return blocks, nil
}

// Parse returns the doctest blocks of one markdown document.
func Parse(file string, source []byte) []Block {
	root := goldmark.New().Parser().Parse(text.NewReader(source))

	var blocks []Block
	_ = gmast.Walk(root, func(n gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering {
			return gmast.WalkContinue, nil
		}
		fence, ok := n.(*gmast.FencedCodeBlock)
		if !ok {
			return gmast.WalkContinue, nil
		}

		var info string
		if fence.Info != nil {
			info = string(fence.Info.Segment.Value(source))
		}
		attrs, ok := parseInfo(info)
		if !ok {
			return gmast.WalkSkipChildren, nil
		}

		lines := fence.Lines()
		if lines.Len() == 0 {
			return gmast.WalkSkipChildren, nil
		}
		var code bytes.Buffer
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			code.Write(seg.Value(source))
		}
		blocks = append(blocks, Block{
			File:  file,
			Line:  fenceLine(source, lines.At(0).Start),
			Code:  code.String(),
			Attrs: attrs,
		})
		return gmast.WalkSkipChildren, nil
	})
	return blocks
}

// parseInfo reads a fence info string such as "cairn,no_run". ok is false
// for fences in another language.
func parseInfo(info string) (Attrs, bool) {
	var a Attrs
	tokens := strings.FieldsFunc(info, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	for _, tok := range tokens {
		switch tok {
		case Lang:
		case "ignore":
			a.Ignore = true
		case "no_run":
			a.NoRun = true
		case "should_fail":
			a.ShouldFail = true
		case "compile_fail":
			a.CompileFail = true
		default:
			return Attrs{}, false
		}
	}
	return a, true
}

// fenceLine returns the 1-based line of the opening fence, which sits on
// the line before the first content byte.
func fenceLine(source []byte, contentStart int) int {
	return bytes.Count(source[:contentStart], []byte("\n"))
}
