package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	match "github.com/0x5487/matching-core"
	"github.com/0x5487/matching-core/protocol"
)

// outcome is written to the output for every input line.
type outcome struct {
	Line      int                   `json:"line"`
	OrderID   string                `json:"order_id,omitempty"`
	Accepted  bool                  `json:"accepted"`
	Reason    protocol.RejectReason `json:"reason,omitempty"`
	Status    protocol.OrderStatus  `json:"status,omitempty"`
	Remaining string                `json:"remaining,omitempty"`
	Trades    []*protocol.Trade     `json:"trades,omitempty"`
	Error     string                `json:"error,omitempty"`
}

type replayStats struct {
	Lines    int
	Accepted int
	Rejected int
	Trades   int
}

type submitter interface {
	Submit(ctx context.Context, order *match.Order) (*match.SubmitResult, error)
}

// replay submits one PlaceOrderCommand per input line and writes one outcome
// per line. Blank lines are skipped; bad lines are reported and skipped.
func replay(ctx context.Context, p submitter, in io.Reader, out io.Writer) (replayStats, error) {
	var stats replayStats

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		line := scanner.Bytes()
		stats.Lines++
		if len(line) == 0 {
			continue
		}

		res := outcome{Line: stats.Lines}

		var cmd protocol.PlaceOrderCommand
		order, err := decodeCommand(line, &cmd)
		if err != nil {
			stats.Rejected++
			res.Reason = protocol.RejectReasonInvalidPayload
			res.Error = err.Error()
			if err := enc.Encode(res); err != nil {
				return stats, err
			}
			continue
		}

		result, err := p.Submit(ctx, order)
		if err != nil {
			res.Error = err.Error()
		}
		if result != nil {
			res.Accepted = result.Accepted
			res.Reason = result.Reason
			res.Trades = result.Trades
			if result.Order != nil {
				res.OrderID = result.Order.ID
				res.Status = result.Order.Status
				res.Remaining = result.Order.Remaining.String()
			}
			stats.Trades += len(result.Trades)
		}
		if res.Accepted {
			stats.Accepted++
		} else {
			stats.Rejected++
		}

		if err := enc.Encode(res); err != nil {
			return stats, err
		}
	}

	return stats, scanner.Err()
}

func decodeCommand(line []byte, cmd *protocol.PlaceOrderCommand) (*match.Order, error) {
	if err := (protocol.JSONSerializer{}).Unmarshal(line, cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	return cmd.ToOrder()
}
