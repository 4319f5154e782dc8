//go:build linux

// Package socketcan implements the canbus.FrameIO capability over Linux
// AF_CAN raw sockets.
package socketcan

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/seabus/canstack/canbus"
)

// canfdMTU is the link MTU a CAN FD capable interface reports.
const canfdMTU = 72

// Device is a raw CAN socket bound to one interface. Reads and writes block
// until the kernel completes them; Close unblocks pending readers with an
// error.
type Device struct {
	fd    int
	iface *net.Interface
	caps  canbus.Capabilities
	log   *logrus.Logger
}

// Open binds a raw CAN socket to the named interface and probes its FD
// capabilities. A nil logger discards.
func Open(ifname string, log *logrus.Logger) (*Device, error) {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}

	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", ifname, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, canbus.NewIOError("socket(AF_CAN,SOCK_RAW,CAN_RAW)", errnoOf(err), err)
	}

	// Ask for FD frames; older kernels without the option stay classic.
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		if !errors.Is(err, unix.ENOPROTOOPT) {
			unix.Close(fd)
			return nil, canbus.NewIOError("setsockopt(CAN_RAW_FD_FRAMES)", errnoOf(err), err)
		}
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, canbus.NewIOError(fmt.Sprintf("bind(can@%s)", ifname), errnoOf(err), err)
	}

	d := &Device{fd: fd, iface: iface, log: log}
	d.caps = d.loadCapabilities()
	log.Debugf("opened %s: caps=%+v", ifname, d.caps)
	return d, nil
}

func (d *Device) loadCapabilities() canbus.Capabilities {
	interfaceFd := d.iface.MTU == canfdMTU

	socketFd := false
	if value, err := unix.GetsockoptInt(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES); err == nil {
		socketFd = value != 0
	}

	interfaceMax := canbus.MAX_CLASSIC_PAYLOAD
	if interfaceFd {
		interfaceMax = canbus.MAX_FD_PAYLOAD
	}
	ioMax := canbus.MAX_CLASSIC_PAYLOAD
	if interfaceFd && socketFd {
		ioMax = canbus.MAX_FD_PAYLOAD
	}

	return canbus.Capabilities{
		InterfaceFdEnabled:       interfaceFd,
		SocketFdEnabled:          socketFd,
		InterfaceMaxPayloadBytes: interfaceMax,
		IoMaxPayloadBytes:        ioMax,
	}
}

// Capabilities reports what the interface and socket can carry.
func (d *Device) Capabilities() canbus.Capabilities {
	return d.caps
}

// ReadFrame blocks for the next classic or FD frame. RTR and ERR frames are
// rejected: the frame model has no place to store them.
func (d *Device) ReadFrame() (canbus.Frame, error) {
	buf := make([]byte, canbus.FdWireLen)

	n, err := unix.Read(d.fd, buf)
	if err != nil {
		return canbus.Frame{}, canbus.NewIOError("read(can_frame)", errnoOf(err), err)
	}

	switch n {
	case canbus.ClassicWireLen, canbus.FdWireLen:
		return canbus.UnmarshalKernelFrame(buf[:n])
	default:
		return canbus.Frame{}, canbus.NewIOError("read(can_frame)", 0,
			fmt.Errorf("unexpected read size %d (expected %d or %d)", n, canbus.ClassicWireLen, canbus.FdWireLen))
	}
}

// WriteFrame sends one frame. Payloads beyond eight bytes require FD support
// on both the interface and the socket.
func (d *Device) WriteFrame(frame canbus.Frame) error {
	fd := frame.DLC() > canbus.MAX_CLASSIC_PAYLOAD
	if fd && (!d.caps.InterfaceFdEnabled || !d.caps.SocketFdEnabled) {
		return fmt.Errorf("%w: CAN FD not enabled for interface/socket; cannot send %d bytes",
			canbus.ErrInvalidArgument, frame.DLC())
	}

	buf, err := canbus.MarshalKernelFrame(frame, fd)
	if err != nil {
		return err
	}

	n, err := unix.Write(d.fd, buf)
	if err != nil {
		return canbus.NewIOError("write(can_frame)", errnoOf(err), err)
	}
	if n != len(buf) {
		return canbus.NewIOError("write(can_frame)", 0, fmt.Errorf("short write: %d of %d bytes", n, len(buf)))
	}
	return nil
}

// Close releases the socket; pending reads fail once the descriptor is gone.
func (d *Device) Close() error {
	if err := unix.Close(d.fd); err != nil {
		return canbus.NewIOError("close", errnoOf(err), err)
	}
	return nil
}

func errnoOf(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}
