package peer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Decision is an operator's answer to a proposal.
type Decision struct {
	Accept bool
	Reason string
}

// Approver decides whether a verified proposal gets signed.
type Approver interface {
	Approve(ctx context.Context, v *Verified) (Decision, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, v *Verified) (Decision, error)

func (f ApproverFunc) Approve(ctx context.Context, v *Verified) (Decision, error) {
	return f(ctx, v)
}

// AutoApprove accepts every proposal. Use only for unattended signers.
var AutoApprove Approver = ApproverFunc(func(context.Context, *Verified) (Decision, error) {
	return Decision{Accept: true}, nil
})

// RejectAll declines every proposal with Reason.
type RejectAll struct {
	Reason string
}

func (r RejectAll) Approve(context.Context, *Verified) (Decision, error) {
	return Decision{Reason: r.Reason}, nil
}

// PromptApprover shows the proposal on Out and reads y/n from In.
//
// One reader goroutine owns In for the approver's lifetime, so input typed
// ahead is kept for the next prompt. When a prompt is cancelled that
// goroutine stays blocked on In until a line arrives, and that line is
// discarded rather than applied to a later proposal. Not safe for
// concurrent use.
type PromptApprover struct {
	In  io.Reader
	Out io.Writer

	once  sync.Once
	lines chan string
	skip  int
}

func (p *PromptApprover) readLines() {
	p.lines = make(chan string)
	go func() {
		defer close(p.lines)
		r := bufio.NewReader(p.In)
		for {
			line, err := r.ReadString('\n')
			if line != "" || err == nil {
				p.lines <- strings.ToLower(strings.TrimSpace(line))
			}
			if err != nil {
				return
			}
		}
	}()
}

// Approve blocks until the operator answers or ctx is done. Anything other
// than y or yes declines, as does a closed input.
func (p *PromptApprover) Approve(ctx context.Context, v *Verified) (Decision, error) {
	p.once.Do(p.readLines)

	fmt.Fprintf(p.Out, "\nSession %s wants your signature (%d of %d required)\n",
		v.SessionID, v.Threshold, len(v.Authorized))
	fmt.Fprintf(p.Out, "Account: %s\nNonce:   %d\nDigest:  %s\n", v.MultiSigUser.Hex(), v.Nonce, v.Digest.Hex())
	if !v.Deadline.IsZero() {
		fmt.Fprintf(p.Out, "Expires: %s\n", v.Deadline.Format(time.RFC3339))
	}
	fmt.Fprintf(p.Out, "\n%s\nAccept (y/n)? ", v.Description)

	for {
		select {
		case a, ok := <-p.lines:
			if !ok {
				return Decision{Reason: "input closed"}, nil
			}
			if p.skip > 0 {
				p.skip--
				continue
			}
			if a == "y" || a == "yes" {
				return Decision{Accept: true}, nil
			}
			return Decision{Reason: "declined by operator"}, nil
		case <-ctx.Done():
			p.skip++
			return Decision{}, ctx.Err()
		}
	}
}
