// ABOUTME: Renders generated markdown as plain text suitable for text-to-speech
// ABOUTME: Keeps inline text and link labels, drops markup and code blocks

package speech

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

// strays removes delimiters goldmark left as literal text because their
// partner landed in another chunk.
var strays = strings.NewReplacer("**", "", "__", "", "`", "")

// Plain strips markdown from s and collapses whitespace.
func Plain(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	if !strings.ContainsAny(s, "*_`#[]<>|~") {
		return collapse(s)
	}

	src := []byte(s)
	doc := md.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.Label(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.Heading, *ast.ListItem:
			if !entering {
				b.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return collapse(strays.Replace(b.String()))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
