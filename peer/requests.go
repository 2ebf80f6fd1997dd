package peer

import (
	"fmt"

	btcwire "github.com/btcsuite/btcd/wire"

	nodewire "github.com/djschnei21/btclightnode/wire"
)

// FetchHeaders requests up to MaxHeaderLen block headers starting after
// locator, stopping at stop (the zero hash means "as many as the peer
// will send").
func (c *Client) FetchHeaders(locator, stop nodewire.Hash256) ([]*btcwire.BlockHeader, error) {
	if c.State() != Ready {
		return nil, ErrNotReady
	}

	msg := nodewire.NewGetHeadersMessage(locator, stop)
	if err := c.send(msg); err != nil {
		return nil, err
	}

	resp, err := c.awaitCommand(btcwire.CmdHeaders, requestTimeout)
	if err != nil {
		return nil, err
	}

	headersMsg, ok := resp.(*btcwire.MsgHeaders)
	if !ok {
		return nil, fmt.Errorf("%w: expected headers, got %T", ErrProtocolViolation, resp)
	}
	if len(headersMsg.Headers) > MaxHeaderLen {
		return nil, ErrTooManyHeaders
	}

	return headersMsg.Headers, nil
}

// GetCompactFilterHeaders requests a batch of cfheaders starting at
// startHeight up to and including stopHash.
func (c *Client) GetCompactFilterHeaders(startHeight uint32, stopHash nodewire.Hash256) (*btcwire.MsgCFHeaders, error) {
	if c.State() != Ready {
		return nil, ErrNotReady
	}

	msg := nodewire.NewGetCFHeadersMessage(startHeight, stopHash)
	if err := c.send(msg); err != nil {
		return nil, err
	}

	resp, err := c.awaitCommand(btcwire.CmdCFHeaders, requestTimeout)
	if err != nil {
		return nil, err
	}

	cfheaders, ok := resp.(*btcwire.MsgCFHeaders)
	if !ok {
		return nil, fmt.Errorf("%w: expected cfheaders, got %T", ErrProtocolViolation, resp)
	}
	return cfheaders, nil
}

// GetCompactFilters requests cfilters for the count blocks starting at
// startHeight up to and including stopHash. The peer answers with one
// cfilter message per block rather than a single aggregate message, so
// the caller must know how many blocks it asked for.
func (c *Client) GetCompactFilters(startHeight uint32, stopHash nodewire.Hash256, count int) ([]*btcwire.MsgCFilter, error) {
	if c.State() != Ready {
		return nil, ErrNotReady
	}
	if count <= 0 {
		return nil, nil
	}

	msg := nodewire.NewGetCFiltersMessage(startHeight, stopHash)
	if err := c.send(msg); err != nil {
		return nil, err
	}

	resps, err := c.awaitCommandN(btcwire.CmdCFilter, count, requestTimeout)
	if err != nil {
		return nil, err
	}

	filters := make([]*btcwire.MsgCFilter, len(resps))
	for i, resp := range resps {
		cfilter, ok := resp.(*btcwire.MsgCFilter)
		if !ok {
			return nil, fmt.Errorf("%w: expected cfilter, got %T", ErrProtocolViolation, resp)
		}
		filters[i] = cfilter
	}
	return filters, nil
}

// GetBlock requests a single full block by hash.
func (c *Client) GetBlock(hash nodewire.Hash256) (*btcwire.MsgBlock, error) {
	if c.State() != Ready {
		return nil, ErrNotReady
	}

	msg := nodewire.NewGetDataForBlocks([]nodewire.Hash256{hash})
	if err := c.send(msg); err != nil {
		return nil, err
	}

	resp, err := c.awaitCommand(btcwire.CmdBlock, requestTimeout)
	if err != nil {
		return nil, err
	}

	block, ok := resp.(*btcwire.MsgBlock)
	if !ok {
		return nil, fmt.Errorf("%w: expected block, got %T", ErrProtocolViolation, resp)
	}
	return block, nil
}

// SendTransaction broadcasts a signed transaction to the peer. It does
// not wait for a reject message; the caller learns about rejection, if
// any, the same way a full node's own mempool would eventually reveal it
// (not via this synchronous call); tx broadcast is fire-and-forget at the
// wire layer.
func (c *Client) SendTransaction(tx *btcwire.MsgTx) error {
	if c.State() != Ready {
		return ErrNotReady
	}
	return c.send(tx)
}
