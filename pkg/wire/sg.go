package wire

import "fmt"

// SGCmd is the sub-command byte leading every service-group port message.
// Naming follows the sevent/uevent join-stop-start protocol: JOIN/LEAVE
// carry the applicant's intent, *STOP/*START drive the two-phase
// barrier-backed handshake, and RECOVER drives post-failure level-ordered
// recovery.
type SGCmd uint8

const (
	CmdSGJoinReq SGCmd = iota + 1
	CmdSGJoinRep
	CmdSGJStopReq
	CmdSGJStopRep
	CmdSGJStartCmd
	CmdSGLeaveReq
	CmdSGLeaveRep
	CmdSGLStopReq
	CmdSGLStopRep
	CmdSGLStartCmd
	CmdSGLStartDone
	CmdSGRecover
)

// SGStatus is the outcome carried by *Rep/*Done messages.
type SGStatus uint8

const (
	SGStatusPos SGStatus = iota + 1
	SGStatusNeg
	SGStatusWait
)

// SGMessage is the common envelope shared by every service-group message:
// an event id for correlating request/reply pairs, the global service
// group id, the id of the last node to complete membership of the group,
// the group's recovery level, and an opaque payload.
type SGMessage struct {
	Cmd          SGCmd
	Status       SGStatus
	EventID      [16]byte // uuid of the originating sevent/uevent
	GlobalSGID   uint32
	GlobalLastID uint32
	SGLevel      uint32
	Payload      []byte
}

func (m *SGMessage) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(m.Cmd))
	w.u8(uint8(m.Status))
	w.bytes(m.EventID[:])
	w.u32(m.GlobalSGID)
	w.u32(m.GlobalLastID)
	w.u32(m.SGLevel)
	w.u32(uint32(len(m.Payload)))
	w.bytes(m.Payload)
	return w.buf.Bytes()
}

func DecodeSGMessage(buf []byte) (*SGMessage, error) {
	r := newByteReader(buf)
	cmd, err := r.u8()
	if err != nil {
		return nil, err
	}
	status, err := r.u8()
	if err != nil {
		return nil, err
	}
	idBytes, err := r.bytes(16)
	if err != nil {
		return nil, err
	}
	m := &SGMessage{Cmd: SGCmd(cmd), Status: SGStatus(status)}
	copy(m.EventID[:], idBytes)
	if m.GlobalSGID, err = r.u32(); err != nil {
		return nil, err
	}
	if m.GlobalLastID, err = r.u32(); err != nil {
		return nil, err
	}
	if m.SGLevel, err = r.u32(); err != nil {
		return nil, err
	}
	length, err := r.u32()
	if err != nil {
		return nil, err
	}
	payload, err := r.bytes(int(length))
	if err != nil {
		return nil, err
	}
	m.Payload = append([]byte(nil), payload...)
	return m, nil
}

// PeekSGCmd reads the sub-command byte without consuming it.
func PeekSGCmd(buf []byte) (SGCmd, error) {
	if len(buf) < 1 {
		return 0, fmt.Errorf("wire: empty sg payload")
	}
	return SGCmd(buf[0]), nil
}
