package ledger

import (
	"context"
	"fmt"

	"github.com/wrentheai/trust-infra/pkg/canonical"
	"github.com/wrentheai/trust-infra/pkg/contracts"
	"github.com/wrentheai/trust-infra/pkg/crypto"
)

// chainWithAgent loads the agent and its full chain in chain order
// (timestamp, then insertion id).
func (s *Service) chainWithAgent(ctx context.Context, agentID string) (*contracts.Agent, []*contracts.Event, error) {
	agent, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	events, err := s.events.Chain(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	return agent, events, nil
}

// VerifyChain recomputes every hash and signature in the agent's chain and
// checks each event's prev_hash against its predecessor. All violations are
// collected with their event index; FirstInvalidEvent points at the earliest
// one. An empty chain is valid.
func (s *Service) VerifyChain(ctx context.Context, agentID string) (*contracts.ChainReport, error) {
	agent, events, err := s.chainWithAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return verifyEvents(agent, events), nil
}

// VerifyLinkage walks only the prev_hash pointers without recomputing hashes
// or signatures. A cheap integrity probe for long chains.
func (s *Service) VerifyLinkage(ctx context.Context, agentID string) (*contracts.ChainReport, error) {
	_, events, err := s.chainWithAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	report, flag := newChainReport(len(events))
	for i, e := range events {
		checkLink(flag, i, e, prevOf(events, i))
	}
	return report, nil
}

// verifyEvents is the full verification core. The exporter reuses it so a
// bundle's manifest is derived from the same event slice it packages.
func verifyEvents(agent *contracts.Agent, events []*contracts.Event) *contracts.ChainReport {
	report, flag := newChainReport(len(events))
	for i, e := range events {
		data, err := canonical.EventBytes(e)
		if err != nil {
			flag(i, "canonicalization failed: %v", err)
			continue
		}
		if computed := canonical.HashBytes(data); computed != e.Hash {
			flag(i, "hash mismatch: stored %s, computed %s", e.Hash, computed)
		}
		if ok, err := crypto.Verify(agent.PublicKey, e.Signature, data); err != nil || !ok {
			flag(i, "signature does not verify under agent key")
		}
		checkLink(flag, i, e, prevOf(events, i))
	}
	return report
}

// newChainReport returns a valid report for total events and a flag function
// that records a violation at an index, keeping the first offender.
func newChainReport(total int) (*contracts.ChainReport, func(i int, format string, args ...any)) {
	report := &contracts.ChainReport{Valid: true, TotalEvents: total, Errors: []string{}}
	flag := func(i int, format string, args ...any) {
		report.Valid = false
		report.Errors = append(report.Errors, fmt.Sprintf("event %d: %s", i, fmt.Sprintf(format, args...)))
		if report.FirstInvalidEvent == nil {
			idx := i
			report.FirstInvalidEvent = &idx
		}
	}
	return report, flag
}

func checkLink(flag func(i int, format string, args ...any), i int, e, prev *contracts.Event) {
	if i == 0 {
		if e.PrevHash != nil {
			flag(i, "genesis event carries prev_hash %s", *e.PrevHash)
		}
		return
	}
	switch {
	case e.PrevHash == nil:
		flag(i, "missing prev_hash, expected %s", prev.Hash)
	case *e.PrevHash != prev.Hash:
		flag(i, "chain broken: prev_hash %s, expected %s", *e.PrevHash, prev.Hash)
	}
}

func prevOf(events []*contracts.Event, i int) *contracts.Event {
	if i == 0 {
		return nil
	}
	return events[i-1]
}
