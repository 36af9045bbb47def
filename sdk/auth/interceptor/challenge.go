package interceptor

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/idkit-io/idkit/internal/transport"
	"github.com/idkit-io/idkit/sdk/auth"
)

const challengeRetryCap = 3

// Challenge describes an out-of-band verification step the provider demands
// before the request may proceed.
type Challenge struct {
	// ID correlates the solved proof with the provider's challenge record.
	ID string
	// TokenKind declares how the proof token is attached: "header" or
	// "parameter".
	TokenKind string
	// TokenName is the header or parameter name the proof goes into.
	TokenName string
	// Payload is the provider-specific challenge material.
	Payload string
}

// Solver presents a challenge to the user (or solves it mechanically) and
// returns the proof token.
type Solver interface {
	Solve(ctx context.Context, challenge Challenge) (string, error)
}

// PresentationGate serializes challenge presentation system-wide so two
// concurrent triggers never show two challenges at once. The loser of the
// race polls until the winner finishes.
type PresentationGate struct {
	mu         sync.Mutex
	presenting bool
}

// tryAcquire claims the gate if free.
func (g *PresentationGate) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.presenting {
		return false
	}
	g.presenting = true
	return true
}

func (g *PresentationGate) release() {
	g.mu.Lock()
	g.presenting = false
	g.mu.Unlock()
}

// ChallengeInterceptor recovers from the provider's challenge-required signal
// by solving the challenge out of band and resubmitting with the proof
// attached, at most challengeRetryCap times per request.
type ChallengeInterceptor struct {
	solver Solver
	gate   *PresentationGate
	poll   time.Duration
}

// NewChallengeInterceptor builds the challenge response step. The gate must
// be shared across every pipeline in the process; poll is the wait between
// checks while another challenge is being presented.
func NewChallengeInterceptor(solver Solver, gate *PresentationGate, poll time.Duration) *ChallengeInterceptor {
	if poll <= 0 {
		poll = time.Second
	}
	return &ChallengeInterceptor{solver: solver, gate: gate, poll: poll}
}

// Name implements ResponseInterceptor.
func (i *ChallengeInterceptor) Name() string { return "out-of-band-challenge" }

// ProcessResponse implements ResponseInterceptor.
func (i *ChallengeInterceptor) ProcessResponse(ctx context.Context, req *transport.Request, resp *transport.Response) (Action, error) {
	challenge, ok := parseChallenge(resp)
	if !ok {
		return ActionContinue, nil
	}
	if req.Retries(i.Name()) >= challengeRetryCap {
		return ActionContinue, nil
	}
	if i.solver == nil {
		return ActionInterrupt, auth.NewError(auth.CodeChallengeFailed, "challenge required but no solver configured")
	}

	// Wait for the gate rather than presenting a second challenge on top of
	// an active one.
	for !i.gate.tryAcquire() {
		log.WithField("request_id", req.ID).Debug("interceptor: challenge already presenting, polling")
		select {
		case <-ctx.Done():
			return ActionInterrupt, ctx.Err()
		case <-time.After(i.poll):
		}
	}
	proof, err := i.solver.Solve(ctx, challenge)
	i.gate.release()
	if err != nil {
		return ActionInterrupt, auth.WrapError(auth.CodeChallengeFailed, "challenge solving failed", err)
	}

	switch challenge.TokenKind {
	case "parameter":
		req.Parameters.Set(challenge.TokenName, proof)
	default:
		req.Headers.Set(challenge.TokenName, proof)
	}
	req.RecordRetry(i.Name())
	return ActionRetry, nil
}

// parseChallenge extracts the challenge descriptor from a provider error
// payload.
func parseChallenge(resp *transport.Response) (Challenge, bool) {
	if resp == nil {
		return Challenge{}, false
	}
	root := gjson.ParseBytes(resp.Body)
	if root.Get("error").String() != "challenge_required" {
		return Challenge{}, false
	}
	node := root.Get("challenge")
	challenge := Challenge{
		ID:        node.Get("id").String(),
		TokenKind: node.Get("token_kind").String(),
		TokenName: node.Get("token_name").String(),
		Payload:   node.Get("payload").String(),
	}
	if challenge.TokenName == "" {
		challenge.TokenName = "X-Challenge-Token"
	}
	return challenge, true
}
