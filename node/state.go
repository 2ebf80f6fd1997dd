package node

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/djschnei21/btclightnode/chain"
)

const stateVersion byte = 1

// persistedNodeState is the node's own state blob: the peer socket
// address plus just enough else to validate a restore() call without
// re-deriving anything the wallet or signer blobs already carry.
type persistedNodeState struct {
	Network       string
	SocketAddress string
}

func encodeNodeState(s persistedNodeState) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(stateVersion)
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("node: encode state: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeNodeState(blob []byte, out *persistedNodeState) error {
	if len(blob) == 0 || blob[0] != stateVersion {
		return fmt.Errorf("node: corrupt or unsupported state blob")
	}
	return gob.NewDecoder(bytes.NewReader(blob[1:])).Decode(out)
}

func encodeChainState(s chain.State) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(stateVersion)
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("node: encode chain state: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeChainState(blob []byte, out *chain.State) error {
	if len(blob) == 0 || blob[0] != stateVersion {
		return fmt.Errorf("node: corrupt or unsupported chain state blob")
	}
	return gob.NewDecoder(bytes.NewReader(blob[1:])).Decode(out)
}
