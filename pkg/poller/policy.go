package poller

import (
	"context"
	"strings"
	"time"

	"github.com/zen-systems/gengate/pkg/config"
	"github.com/zen-systems/gengate/pkg/provider"
)

// Policy bounds polling, retries, and fallback for one logical request.
type Policy struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// MaxWait caps the total time of a request across resubmissions and
	// fallbacks. Await applies it to the resumed handle alone.
	MaxWait time.Duration

	MaxRetriesSameProvider int
	AllowFallback          bool

	// MaxNotFound is how many consecutive NotFound polls are tolerated.
	MaxNotFound int
	// MaxPollErrors is how many consecutive poll transport errors are tolerated.
	MaxPollErrors int

	// ResubmitBackoff and MaxResubmitBackoff space out resubmissions.
	ResubmitBackoff    time.Duration
	MaxResubmitBackoff time.Duration

	// Retryable overrides the provider's own classifier when set.
	Retryable func(p provider.Provider, status provider.Status) bool

	// OnSubmitted observes every accepted submission, before its first poll.
	OnSubmitted func(ctx context.Context, h provider.Handle)
}

// DefaultPolicy returns the built-in timings for kind.
func DefaultPolicy(kind provider.AssetKind) Policy {
	return PolicyFromConfig(config.DefaultRoutingConfig(), kind)
}

// PolicyFromConfig builds a policy from routing.yaml. Reasons listed under
// retryable_reasons extend each provider's own classifier.
func PolicyFromConfig(cfg *config.RoutingConfig, kind provider.AssetKind) Policy {
	timing := cfg.Timing(string(kind))
	reasons := cfg.RetryableReasons
	return Policy{
		PollInterval:           timing.Interval,
		MaxPollInterval:        timing.MaxInterval,
		MaxWait:                timing.MaxWait,
		MaxRetriesSameProvider: cfg.Retry.SameProviderRetries(),
		AllowFallback:          cfg.Fallback.Enabled(),
		MaxNotFound:            cfg.Polling.NotFoundLimit(),
		MaxPollErrors:          cfg.Polling.PollErrorLimit(),
		ResubmitBackoff:        time.Duration(cfg.Retry.BaseBackoffMs) * time.Millisecond,
		MaxResubmitBackoff:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Retryable: func(p provider.Provider, status provider.Status) bool {
			if provider.Retryable(p, status) {
				return true
			}
			reason := strings.ToLower(status.Reason)
			for _, r := range reasons[p.Name()] {
				if r != "" && strings.Contains(reason, strings.ToLower(r)) {
					return true
				}
			}
			return false
		},
	}
}

func (p Policy) retryable(prov provider.Provider, status provider.Status) bool {
	if p.Retryable != nil {
		return p.Retryable(prov, status)
	}
	return provider.Retryable(prov, status)
}

func (p Policy) withDefaults() Policy {
	if p.PollInterval <= 0 {
		p.PollInterval = time.Second
	}
	if p.MaxPollInterval < p.PollInterval {
		p.MaxPollInterval = p.PollInterval
	}
	if p.MaxWait <= 0 {
		p.MaxWait = 10 * time.Minute
	}
	if p.MaxRetriesSameProvider < 0 {
		p.MaxRetriesSameProvider = 0
	}
	if p.MaxNotFound < 0 {
		p.MaxNotFound = 0
	}
	if p.MaxPollErrors < 0 {
		p.MaxPollErrors = 0
	}
	if p.MaxResubmitBackoff < p.ResubmitBackoff {
		p.MaxResubmitBackoff = p.ResubmitBackoff
	}
	return p
}
