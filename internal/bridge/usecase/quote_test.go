package usecase

import (
	"strings"
	"testing"
)

func TestStripText(t *testing.T) {
	q := NewQuoteStripper([]string{"-- sent from my phone"})

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "attribution and quote",
			body: "Sounds good, see you then.\n\nOn Tue, Jan 2, 2024 at 10:00 AM Bob <bob@example.com> wrote:\n> Shall we meet at 3?\n> Bob\n",
			want: "Sounds good, see you then.",
		},
		{
			name: "reply below the quote",
			body: "On Tue, Jan 2, 2024 at 10:00 AM Bob <bob@example.com> wrote:\n> Shall we meet at 3?\n\nSounds good, see you then.",
			want: "Sounds good, see you then.",
		},
		{
			name: "replies between quotes",
			body: "Hi Bob,\n\nOn Tue, Jan 2, 2024 at 10:00 AM Bob <bob@example.com> wrote:\n> Shall we meet at 3?\n\nYes.\n\n> And lunch?\n\nAlso yes.",
			want: "Hi Bob,\n\nYes.\n\nAlso yes.",
		},
		{
			name: "attribution wrapped over two lines",
			body: "Yes.\n\nOn Tue, Jan 2, 2024 at 10:00 AM Bob Example <\nbob@example.com> wrote:\n\n> Ready?\n",
			want: "Yes.",
		},
		{
			name: "outlook original message separator",
			body: "Thanks!\r\n\r\n-----Original Message-----\r\nFrom: Bob\r\nSent: Monday\r\n\r\nold text\r\n",
			want: "Thanks!",
		},
		{
			name: "outlook header block",
			body: "Approved.\n\nFrom: Bob <bob@example.com>\nSent: Monday, January 1, 2024 9:00 AM\nTo: Alice\nSubject: Budget\n\nPlease approve.",
			want: "Approved.",
		},
		{
			name: "configured marker",
			body: "On my way\n-- Sent from my phone\nsignature",
			want: "On my way",
		},
		{
			name: "interleaved quote lines",
			body: "> question one\nanswer one\n> question two\nanswer two",
			want: "answer one\nanswer two",
		},
		{
			name: "only quoted content keeps original",
			body: "> everything\n> is quoted",
			want: "> everything\n> is quoted",
		},
		{
			name: "sentence starting with On is kept",
			body: "On Monday I will call you.\nBest",
			want: "On Monday I will call you.\nBest",
		},
		{
			name: "no quote",
			body: "plain message",
			want: "plain message",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := q.StripText(tt.body); got != tt.want {
				t.Errorf("StripText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripHTML(t *testing.T) {
	q := NewQuoteStripper(nil)

	tests := []struct {
		name        string
		body        string
		contains    []string
		notContains []string
	}{
		{
			name:        "gmail quote",
			body:        `<div dir="ltr">New reply</div><br><div class="gmail_quote"><div class="gmail_attr">On Mon Bob wrote:</div><blockquote class="gmail_quote">old</blockquote></div>`,
			contains:    []string{"New reply"},
			notContains: []string{"old", "wrote"},
		},
		{
			name:        "plain blockquote",
			body:        `<p>Top</p><blockquote type="cite"><p>earlier</p></blockquote>`,
			contains:    []string{"<p>Top</p>"},
			notContains: []string{"earlier"},
		},
		{
			name:        "outlook reply header",
			body:        `<div>Done</div><hr><div id="divRplyFwdMsg">From: Bob</div><div>previous mail</div>`,
			contains:    []string{"Done"},
			notContains: []string{"previous mail", "From: Bob"},
		},
		{
			name:     "only quote keeps original",
			body:     `<blockquote>all quoted</blockquote>`,
			contains: []string{"all quoted"},
		},
		{
			name:     "image only content survives",
			body:     `<img src="cid:logo"><blockquote>old</blockquote>`,
			contains: []string{`cid:logo`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := q.StripHTML(tt.body)
			for _, s := range tt.contains {
				if !strings.Contains(got, s) {
					t.Errorf("StripHTML() = %q, missing %q", got, s)
				}
			}
			for _, s := range tt.notContains {
				if strings.Contains(got, s) {
					t.Errorf("StripHTML() = %q, must not contain %q", got, s)
				}
			}
		})
	}
}

func TestStripHTMLEmpty(t *testing.T) {
	if got := NewQuoteStripper(nil).StripHTML(""); got != "" {
		t.Errorf("StripHTML(\"\") = %q", got)
	}
}
