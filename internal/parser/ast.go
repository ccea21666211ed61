package parser

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// extractPatchBlocks walks a markdown AST and returns the contents of every
// fenced code block tagged "patch". Assistant responses usually wrap the
// directive text in such a fence; pasting the whole reply should still work.
func extractPatchBlocks(source []byte) []string {
	var blocks []string
	root := goldmark.DefaultParser().Parse(text.NewReader(source))

	walker := func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fenced, ok := node.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		if fenced.Info == nil || string(fenced.Info.Text(source)) != "patch" {
			return ast.WalkSkipChildren, nil
		}

		var content bytes.Buffer
		lines := fenced.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			content.Write(line.Value(source))
		}
		blocks = append(blocks, content.String())
		return ast.WalkSkipChildren, nil
	}

	// Walk cannot fail here: the walker never returns an error.
	_ = ast.Walk(root, walker)
	return blocks
}
