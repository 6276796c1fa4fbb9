package wire

import "fmt"

// MaxNameLen bounds a NUL-terminated cluster node name, including the
// terminator.
const MaxNameLen = 64

// NodeDesc is the packed node descriptor carried by MASTERVIEW and
// JOINCONF: a name/state/addresses/votes/expected-votes/node_id
// tuple describing one node's contribution to a membership view.
type NodeDesc struct {
	Name          string
	State         uint8
	Addresses     [][]byte
	Votes         uint8
	ExpectedVotes uint32
	NodeID        uint32
}

// Encode appends the packed descriptor to w.
func (d *NodeDesc) Encode(w *byteWriter, addressLength int) error {
	name := []byte(d.Name)
	if len(name) > 255 {
		return fmt.Errorf("wire: node name too long: %d bytes", len(name))
	}
	w.u8(uint8(len(name)))
	w.bytes(name)
	w.u8(d.State)
	w.u16(uint16(len(d.Addresses)))
	for _, addr := range d.Addresses {
		if len(addr) != addressLength {
			return fmt.Errorf("wire: address length mismatch: got %d want %d", len(addr), addressLength)
		}
		w.bytes(addr)
	}
	w.u8(d.Votes)
	w.u32(d.ExpectedVotes)
	w.u32(d.NodeID)
	return nil
}

// DecodeNodeDesc reads one packed node descriptor from r.
func DecodeNodeDesc(r *byteReader, addressLength int) (*NodeDesc, error) {
	nameLen, err := r.u8()
	if err != nil {
		return nil, err
	}
	nameBytes, err := r.bytes(int(nameLen))
	if err != nil {
		return nil, err
	}
	state, err := r.u8()
	if err != nil {
		return nil, err
	}
	numAddrs, err := r.u16()
	if err != nil {
		return nil, err
	}
	addrs := make([][]byte, 0, numAddrs)
	for i := 0; i < int(numAddrs); i++ {
		addr, err := r.bytes(addressLength)
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(addr))
		copy(cp, addr)
		addrs = append(addrs, cp)
	}
	votes, err := r.u8()
	if err != nil {
		return nil, err
	}
	expected, err := r.u32()
	if err != nil {
		return nil, err
	}
	nodeID, err := r.u32()
	if err != nil {
		return nil, err
	}
	return &NodeDesc{
		Name:          string(nameBytes),
		State:         state,
		Addresses:     addrs,
		Votes:         votes,
		ExpectedVotes: expected,
		NodeID:        nodeID,
	}, nil
}
