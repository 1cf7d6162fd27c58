// Package starter produces conversation-opening suggestions from a
// compatibility result. The radar core only hands over the result; wording
// is entirely up to the Generator.
package starter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/whisper/radar/internal/compat"
)

// Request describes who is asking and about whom.
type Request struct {
	Result      compat.Result
	From        string // requesting user id
	FromHandle  string
	OtherHandle string
}

// Other returns the id of the user the starter is addressed to.
func (r Request) Other() string {
	return r.Result.Other(r.From)
}

// Generator turns a compatibility result into an opening message.
type Generator interface {
	Starter(ctx context.Context, req Request) (string, error)
}

// ErrNoCommonGround is returned by Template when the pair has no highlights.
var ErrNoCommonGround = errors.New("starter: no shared highlights")

// Template is the offline Generator used when no model is configured. It
// builds a message from the strongest highlight.
type Template struct{}

// Starter implements Generator.
func (Template) Starter(_ context.Context, req Request) (string, error) {
	if len(req.Result.Highlights) == 0 {
		return "", ErrNoCommonGround
	}
	h := req.Result.Highlights[0]

	mine, theirs := h.ValueA, h.ValueB
	if req.From != req.Result.UserA {
		mine, theirs = theirs, mine
	}

	greeting := "Hi!"
	if req.OtherHandle != "" {
		greeting = fmt.Sprintf("Hi %s!", req.OtherHandle)
	}
	if strings.EqualFold(mine, theirs) {
		return fmt.Sprintf("%s Looks like we both said %q about %s. What got you into it?",
			greeting, theirs, h.Category), nil
	}
	return fmt.Sprintf("%s I answered %q and you answered %q about %s. Want to compare notes?",
		greeting, mine, theirs, h.Category), nil
}

// Prompt renders the model prompt for req.
func Prompt(req Request) string {
	var b strings.Builder
	b.WriteString("Two people nearby were matched by a proximity app. ")
	fmt.Fprintf(&b, "Their compatibility score is %.0f out of 100.\n", req.Result.Score)

	if len(req.Result.Highlights) > 0 {
		b.WriteString("Answers they have in common:\n")
		for _, h := range req.Result.Highlights {
			mine, theirs := h.ValueA, h.ValueB
			if req.From != req.Result.UserA {
				mine, theirs = theirs, mine
			}
			fmt.Fprintf(&b, "- %s: sender said %q, recipient said %q\n", h.Category, mine, theirs)
		}
	}
	if req.OtherHandle != "" {
		fmt.Fprintf(&b, "The recipient goes by %q.\n", req.OtherHandle)
	}
	b.WriteString("Write one short, friendly opening message from the sender to the recipient. ")
	b.WriteString("Reply with the message only.")
	return b.String()
}
