package wire

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"

	btcwire "github.com/btcsuite/btcd/wire"
)

// NewVersionMessage builds the version message this light client sends
// on connect: protocol version >= ProtocolVersion, services = 0 (we are
// not a full node and serve nothing), user agent identifying the node,
// and height 0 (the client never claims chain height to peers).
func NewVersionMessage(nonce uint64, userAgent string, remote, local *btcwire.NetAddress) *btcwire.MsgVersion {
	msg := btcwire.NewMsgVersion(local, remote, nonce, 0)
	msg.ProtocolVersion = ProtocolVersion
	msg.Services = 0
	msg.UserAgent = userAgent
	return msg
}

// NewPingMessage builds a ping with a fresh random nonce for keep-alive.
func NewPingMessage(rng *rand.Rand) *btcwire.MsgPing {
	return btcwire.NewMsgPing(rng.Uint64())
}

// NewGetHeadersMessage builds a getheaders request from a single locator
// hash (this node never has a branching chain view to express with a
// full locator list).
func NewGetHeadersMessage(locator Hash256, stop Hash256) *btcwire.MsgGetHeaders {
	msg := btcwire.NewMsgGetHeaders()
	msg.ProtocolVersion = ProtocolVersion
	msg.BlockLocatorHashes = append(msg.BlockLocatorHashes, &locator)
	msg.HashStop = stop
	return msg
}

// NewGetCFHeadersMessage requests compact filter headers for the basic
// filter type over [startHeight, stopHash].
func NewGetCFHeadersMessage(startHeight uint32, stopHash Hash256) *btcwire.MsgGetCFHeaders {
	return btcwire.NewMsgGetCFHeaders(FilterTypeBasic, startHeight, &stopHash)
}

// NewGetCFiltersMessage requests the compact filters themselves.
func NewGetCFiltersMessage(startHeight uint32, stopHash Hash256) *btcwire.MsgGetCFilters {
	return btcwire.NewMsgGetCFilters(FilterTypeBasic, startHeight, &stopHash)
}

// NewGetDataForBlocks builds a getdata request for the given block hashes.
func NewGetDataForBlocks(hashes []Hash256) *btcwire.MsgGetData {
	msg := btcwire.NewMsgGetData()
	for i := range hashes {
		msg.AddInvVect(btcwire.NewInvVect(btcwire.InvTypeBlock, &hashes[i]))
	}
	return msg
}

// NewRandSource returns a rand.Rand seeded from the system random source
// for ping nonces and coin-selection tie-breaking. Signing keys never
// touch this generator; crypto/rand is used directly wherever
// unpredictability actually matters (seeds, nonces that guard funds).
func NewRandSource() *rand.Rand {
	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// crypto/rand failure is a fatal environment problem; fall back
		// to a fixed seed rather than panic so callers keep working in
		// degraded (non-cryptographic) tie-breaking mode.
		return rand.New(rand.NewSource(1))
	}
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
}
