package harness

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ResetPolicyKind selects when VUs issue cache resets.
type ResetPolicyKind string

const (
	// ResetNone never resets from inside a scenario.
	ResetNone ResetPolicyKind = "none"
	// ResetLeader lets exactly one designated VU reset once, before its first
	// iteration.
	ResetLeader ResetPolicyKind = "leader"
	// ResetPeriodic resets whenever a VU's own iteration index is a multiple
	// of Every.
	ResetPeriodic ResetPolicyKind = "periodic"
)

// ResetPolicy configures a ResetCoordinator.
type ResetPolicy struct {
	Kind ResetPolicyKind

	// Leader is the 1-based ordinal of the VU that resets under ResetLeader.
	Leader int

	// Every is the iteration period under ResetPeriodic.
	Every int

	// Barrier makes the other VUs wait for the leader's reset before their
	// first iteration.
	Barrier bool

	// Coalesce lets periodic resets that are due at the same moment share a
	// single request.
	Coalesce bool
}

// NoReset is the zero-effort policy.
func NoReset() ResetPolicy {
	return ResetPolicy{Kind: ResetNone}
}

// LeaderOnly returns a barrier-enabled leader policy for the given ordinal.
func LeaderOnly(leader int) ResetPolicy {
	if leader <= 0 {
		leader = 1
	}
	return ResetPolicy{Kind: ResetLeader, Leader: leader, Barrier: true}
}

// Periodic returns a policy that resets every n iterations per VU.
func Periodic(n int) ResetPolicy {
	return ResetPolicy{Kind: ResetPeriodic, Every: n}
}

// Validate checks the policy against the scenario's maximum VU count.
func (p ResetPolicy) Validate(maxVUs int) error {
	switch p.Kind {
	case "", ResetNone:
		return nil
	case ResetLeader:
		if p.Leader <= 0 {
			return fmt.Errorf("reset leader must be >= 1, got %d", p.Leader)
		}
		if maxVUs > 0 && p.Leader > maxVUs {
			return fmt.Errorf("reset leader %d exceeds the scenario's %d VUs", p.Leader, maxVUs)
		}
		return nil
	case ResetPeriodic:
		if p.Every <= 0 {
			return fmt.Errorf("periodic reset needs every > 0, got %d", p.Every)
		}
		return nil
	default:
		return fmt.Errorf("unknown reset policy %q", p.Kind)
	}
}

// ResetCoordinator decides which VU resets the target's cache and when.
//
// One coordinator serves one scenario run. It is safe for concurrent use by
// all of the scenario's VUs.
type ResetCoordinator struct {
	requester *Requester
	target    *Target
	policy    ResetPolicy

	issued atomic.Int64
	failed atomic.Int64

	leaderClaimed atomic.Bool
	epochDone     chan struct{}
	releaseOnce   sync.Once

	group singleflight.Group
}

// NewResetCoordinator creates a coordinator issuing resets to target.
// target may be nil when the policy is ResetNone.
func NewResetCoordinator(requester *Requester, target *Target, policy ResetPolicy) *ResetCoordinator {
	if policy.Kind == "" {
		policy.Kind = ResetNone
	}
	if policy.Kind == ResetLeader && policy.Leader <= 0 {
		policy.Leader = 1
	}
	c := &ResetCoordinator{
		requester: requester,
		target:    target,
		policy:    policy,
		epochDone: make(chan struct{}),
	}
	if policy.Kind != ResetLeader || !policy.Barrier {
		c.Release()
	}
	return c
}

// Policy returns the coordinator's policy.
func (c *ResetCoordinator) Policy() ResetPolicy {
	return c.policy
}

// Reset issues one reset request unconditionally. Any response other than
// 200 counts as a failure.
func (c *ResetCoordinator) Reset(ctx context.Context) error {
	if c.target == nil {
		return fmt.Errorf("no reset target configured")
	}
	c.issued.Add(1)

	out := c.requester.Do(ctx, c.target)
	if out.Err != nil {
		c.failed.Add(1)
		return fmt.Errorf("cache reset failed: %w", out.Err)
	}
	if out.StatusCode != http.StatusOK {
		c.failed.Add(1)
		return fmt.Errorf("cache reset failed: %s returned %d", c.target.URL, out.StatusCode)
	}
	return nil
}

// ResetIfDue applies the policy for the VU with the given 1-based ordinal
// about to run its iterationIndex-th iteration (0-based). It reports whether
// this call issued (or joined) a reset.
//
// Under ResetLeader with a barrier, non-leader VUs block here on their first
// iteration until the leader's reset completes or ctx ends.
func (c *ResetCoordinator) ResetIfDue(ctx context.Context, ordinal int, iterationIndex int64) (bool, error) {
	switch c.policy.Kind {
	case ResetLeader:
		if iterationIndex != 0 {
			return false, nil
		}
		if ordinal == c.policy.Leader && c.leaderClaimed.CompareAndSwap(false, true) {
			err := c.Reset(ctx)
			c.Release()
			return true, err
		}
		if c.policy.Barrier {
			select {
			case <-c.epochDone:
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		return false, nil

	case ResetPeriodic:
		if iterationIndex%int64(c.policy.Every) != 0 {
			return false, nil
		}
		if !c.policy.Coalesce {
			return true, c.Reset(ctx)
		}
		_, err, _ := c.group.Do("reset", func() (interface{}, error) {
			return nil, c.Reset(ctx)
		})
		return true, err

	default:
		return false, nil
	}
}

// Release opens the leader barrier. The executor calls it when the scenario
// stops so a leader that never ran cannot hold the other VUs forever.
func (c *ResetCoordinator) Release() {
	c.releaseOnce.Do(func() { close(c.epochDone) })
}

// Issued returns how many reset requests were sent.
func (c *ResetCoordinator) Issued() int64 {
	return c.issued.Load()
}

// Failed returns how many reset requests failed.
func (c *ResetCoordinator) Failed() int64 {
	return c.failed.Load()
}
