package loader

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// MarkdownText renders Markdown source to plain text. Block elements end on
// their own line, table cells are tab separated and raw HTML is dropped. The
// first level one or two heading is returned as the title.
func MarkdownText(src []byte) (string, string, error) {
	doc := markdown.Parser().Parse(text.NewReader(src))

	var out bytes.Buffer
	var title string
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Heading:
			if entering && title == "" && node.Level <= 2 {
				title = string(bytes.TrimSpace(inlineText(node, src)))
			}
		case *ast.Text:
			if !entering {
				return ast.WalkContinue, nil
			}
			out.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				out.WriteByte('\n')
			}
		case *ast.String:
			if entering {
				out.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				out.Write(node.Label(src))
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					out.Write(seg.Value(src))
				}
				return ast.WalkSkipChildren, nil
			}
		case *ast.RawHTML, *ast.HTMLBlock:
			if entering {
				return ast.WalkSkipChildren, nil
			}
		case *east.TableCell:
			if !entering && n.NextSibling() != nil {
				out.WriteByte('\t')
			}
			return ast.WalkContinue, nil
		case *east.TableRow, *east.TableHeader:
			if !entering {
				out.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		if !entering && n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
			if out.Len() > 0 && out.Bytes()[out.Len()-1] != '\n' {
				out.WriteByte('\n')
			}
			if n.NextSibling() != nil && n.Parent() != nil && n.Parent().Kind() == ast.KindDocument {
				out.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", "", err
	}
	return out.String(), title, nil
}

func inlineText(n ast.Node, src []byte) []byte {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(src))
		case *ast.String:
			buf.Write(t.Value)
		default:
			buf.Write(inlineText(c, src))
		}
	}
	return buf.Bytes()
}
