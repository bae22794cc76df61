package listener

import (
	"context"
	"errors"
	"io"
	"time"

	"transfer-watcher/pkg/shared"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

var errSubscriptionClosed = errors.New("log subscription closed by server")

// rangeStream walks a fixed block range in chunks.
type rangeStream struct {
	listener *Listener
	next     uint64
	end      uint64
}

func (s *rangeStream) Next(ctx context.Context) (shared.Batch, error) {
	if s.next > s.end {
		return shared.Batch{}, io.EOF
	}
	to := s.listener.chunkEnd(s.next, s.end)
	logs, err := s.listener.fetchRange(ctx, s.next, to)
	if err != nil {
		return shared.Batch{}, err
	}
	s.next = to + 1
	return shared.Batch{Logs: logs, SettledThrough: to}, nil
}

func (s *rangeStream) Close() {}

// pollStream follows the chain head on a ticker, the way a plain HTTP
// endpoint has to be watched.
type pollStream struct {
	listener *Listener
	next     uint64
	ticker   *time.Ticker
}

func (s *pollStream) Next(ctx context.Context) (shared.Batch, error) {
	for {
		head, err := s.listener.Head(ctx)
		if err != nil {
			return shared.Batch{}, err
		}
		if head >= s.next {
			to := s.listener.chunkEnd(s.next, head)
			logs, err := s.listener.fetchRange(ctx, s.next, to)
			if err != nil {
				return shared.Batch{}, err
			}
			s.next = to + 1
			return shared.Batch{Logs: logs, SettledThrough: to}, nil
		}

		if s.ticker == nil {
			s.ticker = time.NewTicker(s.listener.opts.PollInterval)
		}
		select {
		case <-ctx.Done():
			return shared.Batch{}, ctx.Err()
		case <-s.ticker.C:
		}
	}
}

func (s *pollStream) Close() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

// subscriptionStream replays [from, head] through range queries, then hands
// out pushed logs. A pushed log never settles a block on its own: the blocks
// it skips over are re-read with a range query first, so a log the socket
// delivered late or not at all is still handed out before its block settles.
// Pushed logs for blocks already covered by a range query are dropped.
type subscriptionStream struct {
	listener *Listener
	sub      ethereum.Subscription
	ch       chan types.Log
	gap      *rangeStream
	// confirmed is the first block not yet covered by a range query.
	confirmed uint64
}

func (l *Listener) subscribe(ctx context.Context, from uint64) (Stream, error) {
	ch := make(chan types.Log, 128)
	live := l.query(0, 0)
	q := ethereum.FilterQuery{Addresses: live.Addresses, Topics: live.Topics}
	sub, err := l.client.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		if errors.Is(err, rpc.ErrNotificationsUnsupported) {
			return nil, err
		}
		return nil, l.fail("subscribe logs", err)
	}

	// Subscribe before reading the head so nothing mined in between is lost.
	head, err := l.Head(ctx)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	l.logger.Info().Uint64("from", from).Uint64("gap_fill_to", head).Msg("subscribed to transfer logs")

	gap := &rangeStream{listener: l, next: from, end: head}
	if from > head {
		gap.end = from - 1
	}
	return &subscriptionStream{listener: l, sub: sub, ch: ch, gap: gap, confirmed: gap.end + 1}, nil
}

func (s *subscriptionStream) Next(ctx context.Context) (shared.Batch, error) {
	if s.gap.next <= s.gap.end {
		return s.gap.Next(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return shared.Batch{}, ctx.Err()
		case err := <-s.sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return shared.Batch{}, s.listener.fail("subscription", err)
		case l := <-s.ch:
			if l.BlockNumber < s.confirmed {
				continue
			}
			return s.confirm(ctx, l)
		}
	}
}

// confirm re-reads [confirmed, l.BlockNumber-1] and returns those logs
// followed by l. Only the re-read blocks are settled.
func (s *subscriptionStream) confirm(ctx context.Context, l types.Log) (shared.Batch, error) {
	var logs []types.Log
	if l.BlockNumber > s.confirmed {
		end := l.BlockNumber - 1
		for from := s.confirmed; from <= end; {
			to := s.listener.chunkEnd(from, end)
			chunk, err := s.listener.fetchRange(ctx, from, to)
			if err != nil {
				return shared.Batch{}, err
			}
			logs = append(logs, chunk...)
			from = to + 1
		}
		s.confirmed = l.BlockNumber
	}
	var settled uint64
	if s.confirmed > 0 {
		settled = s.confirmed - 1
	}
	return shared.Batch{Logs: append(logs, l), SettledThrough: settled}, nil
}

func (s *subscriptionStream) Close() {
	s.sub.Unsubscribe()
}
