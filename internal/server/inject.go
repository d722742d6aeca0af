package server

import (
	"bytes"
	"regexp"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// pagePattern recognises full documents. Fragments are served unchanged.
var pagePattern = regexp.MustCompile(`(?i)<(!doctype|html|body)[\s>]`)

// InjectScript appends a deferred script element loading src to the end of
// the document body. Documents that already load src, and fragments with
// no html or body element, are returned unchanged.
func InjectScript(doc []byte, src string) ([]byte, error) {
	if !pagePattern.Match(doc) {
		return doc, nil
	}

	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}

	if hasScript(root, src) {
		return doc, nil
	}

	target := findElement(root, atom.Body)
	if target == nil {
		target = findElement(root, atom.Html)
	}
	if target == nil {
		target = root
	}

	target.AppendChild(&html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr: []html.Attribute{
			{Key: "src", Val: src},
			{Key: "defer"},
		},
	})

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func hasScript(n *html.Node, src string) bool {
	if n.Type == html.ElementNode && n.DataAtom == atom.Script {
		for _, attr := range n.Attr {
			if attr.Key == "src" && attr.Val == src {
				return true
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if hasScript(c, src) {
			return true
		}
	}
	return false
}
