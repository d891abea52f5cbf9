package multisig

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/signing"
)

// CollectLocal drives s with signers that are all available in this process.
// Signers run concurrently; a failing signer is logged and skipped. Once every
// signer has returned and the threshold is still unmet, the session is
// cancelled rather than left to wait for its deadline.
func CollectLocal(ctx context.Context, s *Session, signers []signing.Signer) (*action.MultiSig, error) {
	var wg conc.WaitGroup
	for _, signer := range signers {
		if s.State() != Collecting {
			break
		}
		signer := signer
		wg.Go(func() {
			if s.State() != Collecting {
				return
			}
			start := time.Now()
			sig, err := signer.SignDigest(ctx, s.Digest())
			if err != nil {
				s.logger.Warn("Local signer failed", "signer", signer.Address().Hex(), "error", err)
				return
			}
			s.logger.Debug("Local signer done", "signer", signer.Address().Hex(), "latency", time.Since(start))
			if _, err := s.Add(signer.Address(), sig); err != nil {
				s.logger.Debug("Local signature not counted", "signer", signer.Address().Hex(), "error", err)
			}
		})
	}
	wg.Wait()

	if s.State() == Collecting {
		reason := "local signers exhausted"
		if ctx.Err() != nil {
			reason = ctx.Err().Error()
		}
		s.Cancel(reason)
	}
	return s.Wait(context.Background())
}
