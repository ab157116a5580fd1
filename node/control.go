package node

import (
	"context"
	"fmt"
	"time"

	proto "github.com/ystepanoff/apol/protocol"
)

// Press raises an input as its interrupt handler would. It never blocks and
// is safe to call from any goroutine.
func (n *Node) Press(in Input) error {
	if in >= numInputs {
		return ErrUnknownInput
	}
	if !supports(n.role, in) {
		return fmt.Errorf("%s on %s: %w", in, n.role, ErrUnsupportedInput)
	}
	if in == InputTrigger {
		n.detections.Inc()
	}
	n.inputs[in].Raise()
	n.waker.Notify()
	return nil
}

// Submit asks the running node to send a command. A zero payload on anything
// but an override command is replaced by the node's rolling sequence number.
// On the Repeater the command joins the forward queue.
func (n *Node) Submit(ctx context.Context, req proto.RequestType, target proto.Subsystem, payload uint32) error {
	if req == proto.None || !req.Valid() {
		return proto.ErrNoRequest
	}
	if !target.Valid() {
		return proto.ErrUnknownSubsystem
	}
	return n.do(ctx, func(now time.Time) error {
		p := payload
		if p == proto.NoPayload && req != proto.OverrideStart && req != proto.OverrideStop {
			p = n.nextSeq()
		}
		n.idle.Touch(now)
		return n.submit(req, target, p, now)
	})
}

// SetPower changes transmit power on the running node.
func (n *Node) SetPower(ctx context.Context, dbm uint8) error {
	if dbm < proto.MinTxPowerDBm || dbm > proto.MaxTxPowerDBm {
		return proto.ErrInvalidPower
	}
	return n.do(ctx, func(time.Time) error {
		return n.port.SetPower(dbm)
	})
}

// SetIdle enables or disables idle sleep. Disabling wakes a sleeping node.
func (n *Node) SetIdle(enabled bool) {
	if enabled {
		n.idle.Enable()
	} else {
		n.idle.Disable()
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (n *Node) do(ctx context.Context, fn func(now time.Time) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case n.mailbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	n.waker.Notify()

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) drainMailbox(now time.Time) {
	for {
		select {
		case cmd := <-n.mailbox:
			cmd.reply <- cmd.fn(now)
		default:
			return
		}
	}
}
