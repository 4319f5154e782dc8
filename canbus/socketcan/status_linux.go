//go:build linux

package socketcan

import (
	"fmt"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"

	"github.com/seabus/canstack/canbus"
)

// InterfaceStatus is a snapshot of the CAN link read over rtnetlink.
type InterfaceStatus struct {
	Name      string
	OperState string
	MTU       int
	Bitrate   uint32
	State     string
	RestartMs uint32
	TxErrors  uint16
	RxErrors  uint16
}

var operStates = map[uint8]string{
	0: "UNKNOWN",
	1: "NOTPRESENT",
	2: "DOWN",
	3: "LOWERLAYERDOWN",
	4: "TESTING",
	5: "DORMANT",
	6: "UP",
}

// linux/can/netlink.h enum can_state; the values are not exported by x/sys.
var canStates = map[uint32]string{
	0: "ERROR-ACTIVE",
	1: "ERROR-WARNING",
	2: "ERROR-PASSIVE",
	3: "BUS-OFF",
	4: "STOPPED",
	5: "SLEEPING",
}

// Status queries the link state, MTU, bit timing and error counters for the
// device's interface through a netlink RTM_GETLINK round trip.
func (d *Device) Status() (InterfaceStatus, error) {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{})
	if err != nil {
		return InterfaceStatus{}, fmt.Errorf("dial netlink: %w", err)
	}
	defer conn.Close()

	req := netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_GETLINK,
			Flags: netlink.Request | netlink.Acknowledge,
		},
		Data: marshalIfInfomsg(int32(d.iface.Index)),
	}

	responses, err := conn.Execute(req)
	if err != nil {
		return InterfaceStatus{}, fmt.Errorf("netlink RTM_GETLINK: %w", err)
	}
	if len(responses) != 1 {
		return InterfaceStatus{}, fmt.Errorf("%w: expected 1 netlink message, got %d", canbus.ErrIllegalState, len(responses))
	}

	return parseLinkStatus(responses[0].Data)
}

func marshalIfInfomsg(index int32) []byte {
	buf := make([]byte, unix.SizeofIfInfomsg)
	nlenc.PutInt32(buf[4:8], index)
	return buf
}

func parseLinkStatus(data []byte) (InterfaceStatus, error) {
	if len(data) < unix.SizeofIfInfomsg {
		return InterfaceStatus{}, fmt.Errorf("%w: short ifinfomsg", canbus.ErrIllegalState)
	}
	if nlenc.Uint16(data[2:4]) != unix.ARPHRD_CAN {
		return InterfaceStatus{}, fmt.Errorf("%w: not a CAN interface", canbus.ErrInvalidArgument)
	}

	var status InterfaceStatus

	ad, err := netlink.NewAttributeDecoder(data[unix.SizeofIfInfomsg:])
	if err != nil {
		return InterfaceStatus{}, err
	}
	for ad.Next() {
		switch ad.Type() {
		case unix.IFLA_IFNAME:
			status.Name = ad.String()
		case unix.IFLA_MTU:
			status.MTU = int(ad.Uint32())
		case unix.IFLA_OPERSTATE:
			status.OperState = operStates[ad.Uint8()]
		case unix.IFLA_LINKINFO:
			ad.Nested(func(nested *netlink.AttributeDecoder) error {
				return decodeLinkInfo(nested, &status)
			})
		}
	}
	if err := ad.Err(); err != nil {
		return InterfaceStatus{}, fmt.Errorf("decode link attributes: %w", err)
	}

	return status, nil
}

func decodeLinkInfo(ad *netlink.AttributeDecoder, status *InterfaceStatus) error {
	for ad.Next() {
		if ad.Type() != unix.IFLA_INFO_DATA {
			continue
		}
		ad.Nested(func(data *netlink.AttributeDecoder) error {
			return decodeCanInfo(data, status)
		})
	}
	return ad.Err()
}

func decodeCanInfo(ad *netlink.AttributeDecoder, status *InterfaceStatus) error {
	for ad.Next() {
		switch ad.Type() {
		case unix.IFLA_CAN_BITTIMING:
			raw := ad.Bytes()
			if len(raw) >= 4 {
				status.Bitrate = nlenc.Uint32(raw[0:4])
			}
		case unix.IFLA_CAN_STATE:
			status.State = canStates[ad.Uint32()]
		case unix.IFLA_CAN_RESTART_MS:
			status.RestartMs = ad.Uint32()
		case unix.IFLA_CAN_BERR_COUNTER:
			raw := ad.Bytes()
			if len(raw) >= 4 {
				status.TxErrors = nlenc.Uint16(raw[0:2])
				status.RxErrors = nlenc.Uint16(raw[2:4])
			}
		}
	}
	return ad.Err()
}
