package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/ConorIT/jdiameter/internal/network"
	"github.com/ConorIT/jdiameter/internal/proto"
)

// SendFetch asks the node at addr to take over one session, or every open
// session of owner when id is empty.
func SendFetch(ctx context.Context, c *network.Client, addr, id, owner string) (proto.FetchResultMsg, error) {
	payload, err := proto.EncodeMessage(proto.FetchMsg{Type: proto.MsgTypeFetch, SessionID: id, Owner: owner})
	if err != nil {
		return proto.FetchResultMsg{}, err
	}
	resp, err := c.Exchange(ctx, addr, payload)
	if err != nil {
		return proto.FetchResultMsg{}, err
	}
	res, err := proto.DecodeFetchResult(resp)
	if err != nil {
		return proto.FetchResultMsg{}, err
	}
	if res.Error != "" {
		return res, errors.New(res.Error)
	}
	return res, nil
}

// SendPeerDown tells the node at addr that identity is unreachable.
func SendPeerDown(ctx context.Context, c *network.Client, addr, identity string) error {
	payload, err := proto.EncodeMessage(proto.PeerDownMsg{Type: proto.MsgTypePeerDown, Identity: identity})
	if err != nil {
		return err
	}
	resp, err := c.Exchange(ctx, addr, payload)
	if err != nil {
		return err
	}
	ack, err := proto.DecodeAck(resp)
	if err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("peer down rejected: %s", ack.Error)
	}
	return nil
}
