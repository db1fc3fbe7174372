package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

const (
	// frameHeaderSize covers the payload length and descriptor count, both
	// 4-byte little-endian.
	frameHeaderSize = 8
	// DefaultMaxFrameSize bounds a single payload.
	DefaultMaxFrameSize = 16 << 20
	// MaxDescriptors is the most descriptors one frame may carry.
	MaxDescriptors = 253
)

// ReadFrame reads one frame and the descriptors sent with it. The caller
// owns the returned descriptors.
func ReadFrame(conn *net.UnixConn, maxSize int) ([]byte, []int, error) {
	return readFrame(conn, maxSize)
}

// WriteFrame writes payload with a length/descriptor-count header and
// passes fds as SCM_RIGHTS ancillary data. The descriptors stay owned by
// the caller.
func WriteFrame(conn *net.UnixConn, payload []byte, fds []int) error {
	return writeFrame(conn, payload, fds)
}

func readFrame(conn *net.UnixConn, maxSize int) ([]byte, []int, error) {
	var hdr [frameHeaderSize]byte
	oob := make([]byte, unix.CmsgSpace(MaxDescriptors*4))
	var fds []int
	got := 0
	for got < frameHeaderSize {
		n, oobn, flags, _, err := conn.ReadMsgUnix(hdr[got:], oob)
		if oobn > 0 {
			received, perr := parseRights(oob[:oobn])
			fds = append(fds, received...)
			if perr != nil {
				closeFds(fds)
				return nil, nil, perr
			}
		}
		if flags&unix.MSG_CTRUNC != 0 {
			closeFds(fds)
			return nil, nil, fmt.Errorf("%w: control data truncated", ErrTooManyDescriptors)
		}
		if err == nil && n == 0 {
			err = io.EOF
		}
		if err != nil {
			closeFds(fds)
			// the socket reports EOF wrapped in a *net.OpError
			if errors.Is(err, io.EOF) {
				if got > 0 {
					return nil, nil, io.ErrUnexpectedEOF
				}
				return nil, nil, io.EOF
			}
			return nil, nil, err
		}
		got += n
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	count := binary.LittleEndian.Uint32(hdr[4:8])
	if int(count) != len(fds) {
		closeFds(fds)
		return nil, nil, fmt.Errorf("%w: frame declares %d descriptors, received %d", ErrProtocol, count, len(fds))
	}
	if int64(length) > int64(maxSize) {
		closeFds(fds)
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		closeFds(fds)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}
	return buf, fds, nil
}

func writeFrame(conn *net.UnixConn, payload []byte, fds []int) error {
	if len(fds) > MaxDescriptors {
		return ErrTooManyDescriptors
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(fds)))
	copy(buf[frameHeaderSize:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, _, err := conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return err
	}
	// the rights travelled with the first chunk
	if n < len(buf) {
		_, err = conn.Write(buf[n:])
	}
	return err
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: control message: %v", ErrProtocol, err)
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			closeFds(fds)
			return nil, fmt.Errorf("%w: rights: %v", ErrProtocol, err)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
