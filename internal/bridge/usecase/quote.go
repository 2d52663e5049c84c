package usecase

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	attributionPattern   = regexp.MustCompile(`(?i)^on\s.+wrote:\s*$`)
	originalMsgPattern   = regexp.MustCompile(`(?i)^-{2,}\s*(original message|forwarded message)\s*-{2,}$`)
	outlookHeaderPattern = regexp.MustCompile(`(?i)^(sent|date|to|subject):\s`)

	quoteClasses = []string{"gmail_quote", "gmail_attr", "gmail_extra", "yahoo_quoted", "moz-cite-prefix"}
	quoteIDs     = []string{"divrplyfwdmsg", "appendonsend"}
)

// QuoteStripper removes quoted earlier messages from reply bodies so each
// chat message carries only what the sender wrote.
//
// Plain text is cut at an "-----Original Message-----" separator, at an
// Outlook style From:/Sent: header block or at a configured marker. An
// "On ... wrote:" attribution introducing a quote is dropped along with every
// line starting with ">", so text written below a quote survives. HTML loses
// every blockquote and every element carrying one of the well known quote
// classes. When nothing would be left the original body is kept.
type QuoteStripper struct {
	markers []string
}

func NewQuoteStripper(markers []string) *QuoteStripper {
	cleaned := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			cleaned = append(cleaned, strings.ToLower(m))
		}
	}
	return &QuoteStripper{markers: cleaned}
}

func (q *QuoteStripper) StripText(body string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")

	kept := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if q.startsQuotedMessage(lines, i) {
			break
		}
		if n := attributionLines(lines, i); n > 0 {
			i += n - 1
			continue
		}
		if strings.HasPrefix(strings.TrimLeft(lines[i], " \t"), ">") {
			continue
		}
		kept = append(kept, lines[i])
	}
	result := strings.TrimSpace(collapseBlankLines(kept))
	if result == "" {
		return strings.TrimSpace(body)
	}
	return result
}

// startsQuotedMessage reports whether lines[i] opens a forwarded or quoted
// message that runs to the end of the body.
func (q *QuoteStripper) startsQuotedMessage(lines []string, i int) bool {
	trimmed := strings.TrimSpace(lines[i])
	lower := strings.ToLower(trimmed)
	switch {
	case trimmed == "":
		return false
	case originalMsgPattern.MatchString(trimmed):
		return true
	case q.isMarker(lower):
		return true
	case strings.HasPrefix(lower, "from:") && outlookHeaderFollows(lines[i+1:]):
		return true
	}
	return false
}

// attributionLines returns how many lines starting at i form an
// "On ... wrote:" attribution followed by a quote, or 0.
func attributionLines(lines []string, i int) int {
	trimmed := strings.TrimSpace(lines[i])
	if !strings.HasPrefix(strings.ToLower(trimmed), "on ") {
		return 0
	}
	if attributionPattern.MatchString(trimmed) && quoteFollows(lines[i+1:]) {
		return 1
	}
	// attribution wrapped over two lines
	if i+1 < len(lines) &&
		attributionPattern.MatchString(trimmed+" "+strings.TrimSpace(lines[i+1])) &&
		quoteFollows(lines[i+2:]) {
		return 2
	}
	return 0
}

// collapseBlankLines joins lines, squeezing the runs of blank lines left
// behind by removed quotes.
func collapseBlankLines(lines []string) string {
	var b strings.Builder
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank = true
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
			if blank {
				b.WriteString("\n")
			}
		}
		blank = false
		b.WriteString(line)
	}
	return b.String()
}

func (q *QuoteStripper) isMarker(lower string) bool {
	for _, m := range q.markers {
		if strings.HasPrefix(lower, m) {
			return true
		}
	}
	return false
}

func quoteFollows(lines []string) bool {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		return strings.HasPrefix(trimmed, ">")
	}
	// attribution with nothing after it
	return true
}

func outlookHeaderFollows(lines []string) bool {
	for i := 0; i < len(lines) && i < 3; i++ {
		if outlookHeaderPattern.MatchString(strings.TrimSpace(lines[i])) {
			return true
		}
	}
	return false
}

func (q *QuoteStripper) StripHTML(body string) string {
	if strings.TrimSpace(body) == "" {
		return body
	}
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return body
	}
	root := findBody(doc)
	if root == nil {
		return body
	}
	removeQuotes(root)
	if !hasContent(root) {
		return body
	}

	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return body
		}
	}
	return strings.TrimSpace(buf.String())
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findBody(c); found != nil {
			return found
		}
	}
	return nil
}

func removeQuotes(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode {
			switch {
			case isReplyHeader(c):
				// Outlook puts the quoted message after its reply header
				for s := c; s != nil; {
					following := s.NextSibling
					n.RemoveChild(s)
					s = following
				}
				return
			case isQuote(c):
				n.RemoveChild(c)
			default:
				removeQuotes(c)
			}
		}
		c = next
	}
}

func isQuote(n *html.Node) bool {
	if n.DataAtom == atom.Blockquote {
		return true
	}
	for _, class := range strings.Fields(attr(n, "class")) {
		for _, qc := range quoteClasses {
			if strings.EqualFold(class, qc) {
				return true
			}
		}
	}
	return false
}

func isReplyHeader(n *html.Node) bool {
	id := strings.ToLower(attr(n, "id"))
	for _, qid := range quoteIDs {
		if id == qid {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasContent(n *html.Node) bool {
	switch n.Type {
	case html.TextNode:
		return strings.TrimSpace(n.Data) != ""
	case html.ElementNode:
		if n.DataAtom == atom.Img {
			return true
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if hasContent(c) {
			return true
		}
	}
	return false
}

// htmlText returns the visible text of an HTML fragment, one line per block.
func htmlText(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return ""
	}
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head:
				return
			case atom.Br:
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.P, atom.Div, atom.Li, atom.Tr, atom.H1, atom.H2, atom.H3:
				b.WriteByte('\n')
			}
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}
