package resume

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))

// markupEscaper escapes characters with meaning in Typst markup mode.
var markupEscaper = strings.NewReplacer(
	`\`, `\\`,
	`#`, `\#`,
	`$`, `\$`,
	`*`, `\*`,
	`_`, `\_`,
	"`", "\\`",
	`<`, `\<`,
	`>`, `\>`,
	`@`, `\@`,
	`[`, `\[`,
	`]`, `\]`,
	`~`, `\~`,
	`/`, `\/`,
)

// stringEscaper escapes a value for a Typst string literal.
var stringEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", "")

// Escape returns s as literal Typst markup text.
func Escape(s string) string {
	s = markupEscaper.Replace(s)
	// List, enum and heading markers only matter at the start of a line.
	if s != "" && strings.ContainsRune("-+=", rune(s[0])) {
		s = `\` + s
	}
	return s
}

// Quote returns s as a Typst string literal, quotes included.
func Quote(s string) string {
	return `"` + stringEscaper.Replace(s) + `"`
}

// Inline converts inline Markdown (emphasis, strong, strikethrough,
// code spans, links) to Typst markup. Block structure is flattened:
// paragraphs are separated by a blank line and list items become Typst
// list items.
func Inline(src string) string {
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Type() == ast.TypeBlock && n.Kind() != ast.KindListItem &&
			n.PreviousSibling() != nil && n.Parent().Kind() == ast.KindDocument {
			b.WriteString("\n\n")
		}

		switch n := n.(type) {
		case *ast.ListItem:
			if entering {
				if n.PreviousSibling() != nil {
					b.WriteString("\n")
				}
				if n.Parent().(*ast.List).IsOrdered() {
					b.WriteString("+ ")
				} else {
					b.WriteString("- ")
				}
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				b.WriteString("#raw(block: true, " + Quote(linesText(n, source)) + ")")
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock:
			if entering {
				b.WriteString(markupEscaper.Replace(linesText(n, source)))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				value := string(n.Segment.Value(source))
				if n.PreviousSibling() == nil {
					value = Escape(value)
				} else {
					value = markupEscaper.Replace(value)
				}
				b.WriteString(value)
				switch {
				case n.HardLineBreak():
					b.WriteString(" \\\n")
				case n.SoftLineBreak():
					b.WriteString(" ")
				}
			}
		case *ast.String:
			if entering {
				b.WriteString(markupEscaper.Replace(string(n.Value)))
			}
		case *ast.Emphasis:
			if entering {
				if n.Level >= 2 {
					b.WriteString("#strong[")
				} else {
					b.WriteString("#emph[")
				}
			} else {
				b.WriteString("]")
			}
		case *extast.Strikethrough:
			if entering {
				b.WriteString("#strike[")
			} else {
				b.WriteString("]")
			}
		case *ast.CodeSpan:
			if entering {
				b.WriteString("#raw(" + Quote(plainText(n, source)) + ")")
			}
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			if entering {
				b.WriteString("#link(" + Quote(string(n.Destination)) + ")[")
			} else {
				b.WriteString("]")
			}
		case *ast.AutoLink:
			if entering {
				url := string(n.URL(source))
				label := string(n.Label(source))
				if n.AutoLinkType == ast.AutoLinkEmail && !strings.HasPrefix(url, "mailto:") {
					url = "mailto:" + url
				}
				b.WriteString("#link(" + Quote(url) + ")[" + markupEscaper.Replace(label) + "]")
			}
			return ast.WalkSkipChildren, nil
		case *ast.Image:
			if entering {
				b.WriteString(markupEscaper.Replace(plainText(n, source)))
			}
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			if entering {
				for i := range n.Segments.Len() {
					seg := n.Segments.At(i)
					b.WriteString(markupEscaper.Replace(string(seg.Value(source))))
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func linesText(n ast.Node, source []byte) string {
	var b strings.Builder
	lines := n.Lines()
	for i := range lines.Len() {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	return strings.TrimRight(b.String(), "\n")
}

func plainText(n ast.Node, source []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c := c.(type) {
		case *ast.Text:
			b.Write(c.Segment.Value(source))
		case *ast.String:
			b.Write(c.Value)
		default:
			b.WriteString(plainText(c, source))
		}
	}
	return b.String()
}
