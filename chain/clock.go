package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const (
	// pollInterval is the clock cadence, roughly one block time.
	pollInterval = time.Second

	// pollBackoffMin and pollBackoffMax bound the retry backoff on poll
	// failures.
	pollBackoffMin = time.Second
	pollBackoffMax = 30 * time.Second

	// stallThreshold is how long the chain may be unreachable before the
	// clock reports itself stalled.
	stallThreshold = 60 * time.Second
)

// Clock polls the chain and the mining contract and turns the readings into
// a monotonic stream of observations. It never reports a height lower than
// one it has already reported: a lower height is a re-read of a lagging
// endpoint, not a rewind.
type Clock struct {
	client *Client
	out    chan Observation
	log    log.Logger

	lastHeight uint64
	lastGood   time.Time
	stalled    bool
}

// NewClock creates a clock over the given client. Run must be called for
// observations to flow.
func NewClock(client *Client) *Clock {
	return &Clock{
		client: client,
		out:    make(chan Observation, 1),
		log:    log.New("module", "clock"),
	}
}

// C returns the observation stream. Only the latest observation is retained:
// a slow consumer sees fresh readings, never a backlog.
func (c *Clock) C() <-chan Observation { return c.out }

// Run polls until the context is cancelled.
func (c *Clock) Run(ctx context.Context) {
	backoff := NewExponential(pollBackoffMin, pollBackoffMax, pollBackoffMin/2)
	c.lastGood = time.Now()
	for {
		obs, err := c.observe(ctx)
		switch {
		case err == nil:
			backoff.Reset()
			c.lastGood = time.Now()
			if c.stalled {
				c.stalled = false
				c.log.Info("Chain connection recovered", "height", obs.Height)
			}
			c.publish(*obs)
			if !sleep(ctx, pollInterval) {
				return
			}
		case ctx.Err() != nil:
			return
		default:
			wait := backoff.NextDuration()
			c.log.Debug("Chain poll failed", "err", err, "retry_in", wait)
			if !c.stalled && time.Since(c.lastGood) > stallThreshold {
				c.stalled = true
				c.log.Warn("Chain unreachable, pausing submissions", "since", c.lastGood)
				c.publish(Observation{Height: c.lastHeight, Stalled: true})
			}
			if !sleep(ctx, wait) {
				return
			}
		}
	}
}

// observe performs one poll of height and epoch state.
func (c *Clock) observe(ctx context.Context) (*Observation, error) {
	height, err := c.client.LatestHeight(ctx)
	if err != nil {
		return nil, err
	}
	if height < c.lastHeight {
		// Lagging endpoint; keep the monotonic view.
		height = c.lastHeight
	}
	state, err := c.client.EpochState(ctx)
	if err != nil {
		return nil, err
	}
	c.lastHeight = height
	var remaining uint64
	if state.PhaseEndHeight > height {
		remaining = state.PhaseEndHeight - height
	}
	return &Observation{Height: height, Epoch: *state, BlocksRemaining: remaining}, nil
}

// publish replaces any unconsumed observation with the new one.
func (c *Clock) publish(obs Observation) {
	for {
		select {
		case c.out <- obs:
			return
		default:
			select {
			case <-c.out:
			default:
			}
		}
	}
}

// sleep waits for d or until the context is cancelled, reporting whether the
// full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
