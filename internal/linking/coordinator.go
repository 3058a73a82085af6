package linking

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mxbridge/signal-provisioning/internal/bridgestate"
	"github.com/mxbridge/signal-provisioning/internal/signald"
)

// AccountRecorder persists a completed link against a bridge user.
type AccountRecorder interface {
	OnSignIn(ctx context.Context, mxid string, account *signald.Account) error
}

// StatePusher delivers bridge state events for handshakes whose caller is no
// longer listening.
type StatePusher interface {
	Push(ctx context.Context, mxid, stateEvent, remoteID, errorMsg string)
}

// Coordinator drives the linking handshake to completion once a session
// exists. Its central guarantee: cancelling the wait never cancels the
// handshake. Linking is a stateful, non-restartable exchange tied to the
// session ID, and aborting it halfway would corrupt the remote-side device
// registration.
type Coordinator struct {
	client   LinkClient
	accounts AccountRecorder
	state    StatePusher
	log      zerolog.Logger
}

// NewCoordinator creates a linking coordinator.
func NewCoordinator(client LinkClient, accounts AccountRecorder, state StatePusher, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		client:   client,
		accounts: accounts,
		state:    state,
		log:      log.With().Str("component", "linking").Logger(),
	}
}

// WaitForScan blocks until the session's QR code has been scanned. The
// caller's cancellation passes straight through: an abandoned scan wait is
// harmless since the same QR can be re-displayed.
func (c *Coordinator) WaitForScan(ctx context.Context, sessionID string) error {
	return c.client.WaitForScan(ctx, sessionID)
}

// WaitForCompletion runs the finish-link handshake and waits for it, also
// watching the caller's ctx. The handshake runs on its own context so a
// caller hanging up cannot interrupt it; in that case the eventual result is
// pushed to the bridge state channel instead of being returned to anyone.
func (c *Coordinator) WaitForCompletion(ctx context.Context, mxid, sessionID, deviceName string) Result {
	done := make(chan Result, 1)
	go func() {
		done <- c.finishLink(context.Background(), mxid, sessionID, deviceName)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		c.log.Warn().
			Str("mxid", mxid).
			Str("session_id", sessionID).
			Msg("Client cancelled link wait request before it finished")
		go c.reportAbandoned(mxid, sessionID, done)
		return Result{Outcome: OutcomeCallerCancelled}
	}
}

func (c *Coordinator) finishLink(ctx context.Context, mxid, sessionID, deviceName string) Result {
	c.log.Debug().Str("mxid", mxid).Str("session_id", sessionID).Msg("Starting finish link request")

	account, err := c.client.FinishLink(ctx, sessionID, deviceName, true)
	if err != nil {
		outcome := ClassifyError(err)
		switch outcome {
		case OutcomeTimedOut:
			c.log.Warn().Str("session_id", sessionID).Msg("Timed out waiting for linking to finish")
		case OutcomeTransportDisconnected:
			c.log.Warn().Str("session_id", sessionID).Msg("Signald websocket disconnected before linking finished")
		default:
			c.log.Error().Err(err).Str("session_id", sessionID).Msg("Fatal error while waiting for linking to finish")
		}
		return Result{Outcome: outcome, Err: err}
	}

	if err := c.accounts.OnSignIn(ctx, mxid, account); err != nil {
		c.log.Error().Err(err).Str("mxid", mxid).Msg("Failed to record linked account")
		return Result{Outcome: OutcomeFatal, Err: err}
	}

	c.log.Info().
		Str("mxid", mxid).
		Str("number", account.Address.Number).
		Msg("Linking finished")
	return Result{Outcome: OutcomeSuccess, Account: account}
}

// reportAbandoned consumes the result of a handshake whose caller went away
// and forwards it to the bridge state channel, the only place it can still
// be observed.
func (c *Coordinator) reportAbandoned(mxid, sessionID string, done <-chan Result) {
	res := <-done

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if res.Outcome == OutcomeSuccess {
		c.log.Info().Str("session_id", sessionID).Msg("Abandoned link wait finished successfully")
		c.state.Push(ctx, mxid, bridgestate.EventConnected, res.Account.Address.Number, "")
		return
	}
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	c.log.Warn().
		Str("session_id", sessionID).
		Str("outcome", res.Outcome.String()).
		Msg("Abandoned link wait finished with an error")
	c.state.Push(ctx, mxid, bridgestate.EventUnknownError, "", errMsg)
}
