// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package match

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// A Combinator tries matchers in fixed priority order for each offer.
// The first matcher that produces at least one operation wins the
// offer; later matchers are skipped even if resources remain unused.
// An unused remainder is simply offered again later by the resource
// manager, which keeps partial-match bookkeeping out of the matcher
// boundary.
//
// A matcher that panics or overruns the per-cycle deadline is treated
// as having produced nothing for that cycle. A second fault from the
// same matcher within FaultWindow is logged as degraded; the cycle
// still proceeds to the next matcher.
type Combinator struct {
	logger      logrus.FieldLogger
	matchers    []Matcher // priority order
	timeout     time.Duration
	faultWindow time.Duration

	mtx       sync.Mutex
	lastFault map[string]time.Time

	mCycles    prometheus.Counter
	mMatched   *prometheus.CounterVec
	mTimeouts  *prometheus.CounterVec
	mConflicts prometheus.Counter
}

// NewCombinator returns a Combinator trying the given matchers in
// order.
func NewCombinator(logger logrus.FieldLogger, reg *prometheus.Registry, timeout, faultWindow time.Duration, matchers ...Matcher) *Combinator {
	cmb := &Combinator{
		logger:      logger,
		matchers:    matchers,
		timeout:     timeout,
		faultWindow: faultWindow,
		lastFault:   map[string]time.Time{},
	}
	cmb.mCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "match_cycles_total",
		Help:      "Number of offers run through the match combinator.",
	})
	cmb.mMatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "offers_matched_total",
		Help:      "Number of offers won, by matcher.",
	}, []string{"matcher"})
	cmb.mTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "match_timeouts_total",
		Help:      "Number of per-matcher deadline overruns.",
	}, []string{"matcher"})
	cmb.mConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "match_conflicts_total",
		Help:      "Number of operations rejected for double-spending offer resources.",
	})
	if reg != nil {
		reg.MustRegister(cmb.mCycles, cmb.mMatched, cmb.mTimeouts, cmb.mConflicts)
	}
	return cmb
}

// Match runs one cycle for the given offer and returns the winning
// matcher's vetted operations, or nil if every matcher declined. The
// caller accepts or declines the offer accordingly.
func (cmb *Combinator) Match(ctx context.Context, offer halyard.Offer) []halyard.LaunchOperation {
	cmb.mCycles.Inc()
	for _, m := range cmb.matchers {
		if ctx.Err() != nil {
			return nil
		}
		ops := cmb.runMatcher(ctx, m, offer)
		ops = cmb.vetOperations(offer, ops)
		if len(ops) > 0 {
			cmb.mMatched.WithLabelValues(m.Name()).Inc()
			return ops
		}
	}
	return nil
}

// runMatcher invokes one matcher under the per-cycle deadline,
// absorbing panics and overruns.
func (cmb *Combinator) runMatcher(ctx context.Context, m Matcher, offer halyard.Offer) []halyard.LaunchOperation {
	mctx, cancel := context.WithTimeout(ctx, cmb.timeout)
	defer cancel()
	done := make(chan []halyard.LaunchOperation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				cmb.noteFault(m.Name(), logrus.Fields{"PanicValue": p})
				done <- nil
			}
		}()
		done <- m.Match(mctx, offer)
	}()
	select {
	case ops := <-done:
		return ops
	case <-mctx.Done():
		cmb.mTimeouts.WithLabelValues(m.Name()).Inc()
		cmb.noteFault(m.Name(), logrus.Fields{"Timeout": cmb.timeout})
		return nil
	}
}

func (cmb *Combinator) noteFault(name string, fields logrus.Fields) {
	now := time.Now()
	cmb.mtx.Lock()
	last, repeated := cmb.lastFault[name]
	cmb.lastFault[name] = now
	cmb.mtx.Unlock()
	logger := cmb.logger.WithField("Matcher", name).WithFields(fields)
	if repeated && now.Sub(last) < cmb.faultWindow {
		logger.Warn("matcher degraded: repeated fault within window")
	} else {
		logger.Info("matcher fault, treating as no match this cycle")
	}
}

// vetOperations drops any operation that would spend resources the
// offer does not have left, keeping the rest. A dropped operation
// indicates a matcher bug, so it is logged as an invariant violation.
func (cmb *Combinator) vetOperations(offer halyard.Offer, ops []halyard.LaunchOperation) []halyard.LaunchOperation {
	if len(ops) == 0 {
		return nil
	}
	rem := NewRemaining(offer)
	reservedLeft := map[halyard.InstanceID]halyard.ResourceList{}
	for _, res := range offer.Resources {
		if res.Reserved() {
			entity := halyard.InstanceID(res.ReservedFor)
			reservedLeft[entity] = append(reservedLeft[entity], res)
		}
	}
	vetted := ops[:0]
	for _, op := range ops {
		ok := false
		switch op.Type {
		case halyard.OpLaunch:
			ok = rem.spend(op.Resources)
		case halyard.OpUnreserve:
			if _, held := reservedLeft[op.InstanceID]; held && len(op.Resources) > 0 {
				delete(reservedLeft, op.InstanceID)
				ok = true
			}
		}
		if !ok {
			cmb.mConflicts.Inc()
			cmb.logger.WithFields(logrus.Fields{
				"OfferID":    offer.ID,
				"Type":       op.Type,
				"RunSpecID":  op.RunSpecID,
				"InstanceID": op.InstanceID,
			}).Error("BUG: operation double-spends offer resources, dropping it")
			continue
		}
		vetted = append(vetted, op)
	}
	return vetted
}

// spend subtracts an already-proposed operation's resources, checking
// the offer can still cover them.
func (rem *Remaining) spend(consumed halyard.ResourceList) bool {
	var req halyard.ResourceRequest
	for _, res := range consumed {
		switch res.Name {
		case halyard.ResourceCPUs:
			req.CPUs += res.Scalar
		case halyard.ResourceMem:
			req.MemMB += res.Scalar
		case halyard.ResourcePorts:
			for _, rng := range res.Ranges {
				req.Ports += int(rng.Size())
			}
		case halyard.ResourceDisk:
			req.DiskMB += res.Scalar
		}
	}
	_, ok := rem.Take(req)
	return ok
}
