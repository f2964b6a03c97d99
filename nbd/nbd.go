// Package nbd exports an image read-only over the NBD (Network Block
// Device) protocol, fixed newstyle negotiation only.
package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
)

const (
	nbdMagic         = uint64(0x4e42444d41474943) // "NBDMAGIC"
	optionMagic      = uint64(0x49484156454F5054) // "IHAVEOPT"
	optReplyMagic    = uint64(0x3e889045565a9)
	requestMagic     = uint32(0x25609513)
	simpleReplyMagic = uint32(0x67446698)

	flagFixedNewstyle  = uint16(1 << 0)
	flagNoZeroes       = uint16(1 << 1)
	clientFlagNoZeroes = uint32(1 << 1)

	transHasFlags  = uint16(1 << 0)
	transReadOnly  = uint16(1 << 1)
	transSendFlush = uint16(1 << 2)

	optExportName = uint32(1)
	optAbort      = uint32(2)
	optList       = uint32(3)
	optInfo       = uint32(6)
	optGo         = uint32(7)

	repAck        = uint32(1)
	repServer     = uint32(2)
	repInfo       = uint32(3)
	repErrUnsup   = uint32(0x80000001)
	repErrUnknown = uint32(0x80000006)

	infoExport    = uint16(0)
	infoBlockSize = uint16(3)

	cmdRead  = uint16(0)
	cmdWrite = uint16(1)
	cmdDisc  = uint16(2)
	cmdFlush = uint16(3)
	cmdTrim  = uint16(4)

	errNone  = uint32(0)
	errPerm  = uint32(1)
	errIO    = uint32(5)
	errInval = uint32(22)

	// MaxRequest bounds the payload of a single read.
	MaxRequest = 32 << 20

	preferredBlockSize = 4096
	maxOptionLen       = 4096
)

var ErrAborted = errors.New("nbd: client aborted negotiation")

// Server exports Data, Size bytes long, under Name. Writes and trims are
// refused with EPERM.
type Server struct {
	Name   string
	Data   io.ReaderAt
	Size   int64
	Logger *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Listen opens a unix socket at path, replacing a stale one.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o660); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Serve accepts connections on l until ctx is done, then closes l and
// waits for open sessions to finish.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	s.logger().Info("nbd export ready", "addr", l.Addr().String(), "export", s.Name, "size", s.Size)
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		wg.Go(func() {
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger().Warn("nbd session ended", "remote", conn.RemoteAddr().String(), "err", err)
			}
		})
	}
}

// ServeConn runs one client session on conn and closes it.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sess := &session{srv: s, conn: conn}
	if err := sess.negotiate(); err != nil {
		if errors.Is(err, errDone) {
			return nil
		}
		return fmt.Errorf("negotiation: %w", err)
	}
	s.logger().Debug("nbd transmission started", "export", s.Name)
	err := sess.transmit()
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		return nil
	}
	return err
}

// errDone ends negotiation without entering transmission.
var errDone = errors.New("done")

type session struct {
	srv      *Server
	conn     net.Conn
	noZeroes bool
}

func (sess *session) negotiate() error {
	var greeting [18]byte
	binary.BigEndian.PutUint64(greeting[0:], nbdMagic)
	binary.BigEndian.PutUint64(greeting[8:], optionMagic)
	binary.BigEndian.PutUint16(greeting[16:], flagFixedNewstyle|flagNoZeroes)
	if _, err := sess.conn.Write(greeting[:]); err != nil {
		return err
	}

	var flags [4]byte
	if _, err := io.ReadFull(sess.conn, flags[:]); err != nil {
		return err
	}
	sess.noZeroes = binary.BigEndian.Uint32(flags[:])&clientFlagNoZeroes != 0

	for {
		var hdr [16]byte
		if _, err := io.ReadFull(sess.conn, hdr[:]); err != nil {
			return err
		}
		if m := binary.BigEndian.Uint64(hdr[0:]); m != optionMagic {
			return fmt.Errorf("bad option magic %#x", m)
		}
		opt := binary.BigEndian.Uint32(hdr[8:])
		n := binary.BigEndian.Uint32(hdr[12:])
		if n > maxOptionLen {
			return fmt.Errorf("option %d: length %d too large", opt, n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(sess.conn, data); err != nil {
			return err
		}

		ready, err := sess.option(opt, data)
		if err != nil || ready {
			return err
		}
	}
}

// option handles one negotiation option and reports whether the session
// moves to transmission.
func (sess *session) option(opt uint32, data []byte) (bool, error) {
	switch opt {
	case optExportName:
		if !sess.known(string(data)) {
			return false, fmt.Errorf("unknown export %q", data)
		}
		return true, sess.exportNameReply()

	case optInfo, optGo:
		name := ""
		if len(data) >= 4 {
			if n := binary.BigEndian.Uint32(data); int(n) <= len(data)-4 {
				name = string(data[4 : 4+n])
			}
		}
		if !sess.known(name) {
			return false, sess.reply(opt, repErrUnknown, nil)
		}
		if err := sess.infoReplies(opt); err != nil {
			return false, err
		}
		return opt == optGo, nil

	case optList:
		name := make([]byte, 4+len(sess.srv.Name))
		binary.BigEndian.PutUint32(name, uint32(len(sess.srv.Name)))
		copy(name[4:], sess.srv.Name)
		if err := sess.reply(opt, repServer, name); err != nil {
			return false, err
		}
		return false, sess.reply(opt, repAck, nil)

	case optAbort:
		sess.reply(opt, repAck, nil)
		return false, errDone

	default:
		return false, sess.reply(opt, repErrUnsup, nil)
	}
}

// known reports whether name selects the export. The empty name is the
// default export.
func (sess *session) known(name string) bool {
	return name == "" || name == sess.srv.Name
}

func (sess *session) transmissionFlags() uint16 {
	return transHasFlags | transReadOnly | transSendFlush
}

func (sess *session) reply(opt, typ uint32, data []byte) error {
	buf := make([]byte, 20+len(data))
	binary.BigEndian.PutUint64(buf[0:], optReplyMagic)
	binary.BigEndian.PutUint32(buf[8:], opt)
	binary.BigEndian.PutUint32(buf[12:], typ)
	binary.BigEndian.PutUint32(buf[16:], uint32(len(data)))
	copy(buf[20:], data)
	_, err := sess.conn.Write(buf)
	return err
}

func (sess *session) infoReplies(opt uint32) error {
	var export [12]byte
	binary.BigEndian.PutUint16(export[0:], infoExport)
	binary.BigEndian.PutUint64(export[2:], uint64(sess.srv.Size))
	binary.BigEndian.PutUint16(export[10:], sess.transmissionFlags())
	if err := sess.reply(opt, repInfo, export[:]); err != nil {
		return err
	}

	var bs [14]byte
	binary.BigEndian.PutUint16(bs[0:], infoBlockSize)
	binary.BigEndian.PutUint32(bs[2:], 1)
	binary.BigEndian.PutUint32(bs[6:], preferredBlockSize)
	binary.BigEndian.PutUint32(bs[10:], MaxRequest)
	if err := sess.reply(opt, repInfo, bs[:]); err != nil {
		return err
	}
	return sess.reply(opt, repAck, nil)
}

func (sess *session) exportNameReply() error {
	n := 10
	if !sess.noZeroes {
		n += 124
	}
	buf := make([]byte, n)
	binary.BigEndian.PutUint64(buf[0:], uint64(sess.srv.Size))
	binary.BigEndian.PutUint16(buf[8:], sess.transmissionFlags())
	_, err := sess.conn.Write(buf)
	return err
}

func (sess *session) transmit() error {
	var hdr [28]byte
	for {
		if _, err := io.ReadFull(sess.conn, hdr[:]); err != nil {
			return err
		}
		if m := binary.BigEndian.Uint32(hdr[0:]); m != requestMagic {
			return fmt.Errorf("bad request magic %#x", m)
		}
		typ := binary.BigEndian.Uint16(hdr[6:])
		handle := hdr[8:16]
		off := binary.BigEndian.Uint64(hdr[16:])
		length := binary.BigEndian.Uint32(hdr[24:])

		var err error
		switch typ {
		case cmdRead:
			err = sess.read(handle, off, length)
		case cmdWrite:
			if _, err = io.CopyN(io.Discard, sess.conn, int64(length)); err == nil {
				err = sess.simpleReply(handle, errPerm, nil)
			}
		case cmdTrim:
			err = sess.simpleReply(handle, errPerm, nil)
		case cmdFlush:
			err = sess.simpleReply(handle, errNone, nil)
		case cmdDisc:
			return nil
		default:
			err = sess.simpleReply(handle, errInval, nil)
		}
		if err != nil {
			return err
		}
	}
}

func (sess *session) read(handle []byte, off uint64, length uint32) error {
	size := uint64(sess.srv.Size)
	if length > MaxRequest || off > size || uint64(length) > size-off {
		return sess.simpleReply(handle, errInval, nil)
	}
	data := make([]byte, length)
	n, err := sess.srv.Data.ReadAt(data, int64(off))
	if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		sess.srv.logger().Warn("nbd read failed", "offset", off, "length", length, "err", err)
		return sess.simpleReply(handle, errIO, nil)
	}
	return sess.simpleReply(handle, errNone, data)
}

func (sess *session) simpleReply(handle []byte, code uint32, data []byte) error {
	buf := make([]byte, 16+len(data))
	binary.BigEndian.PutUint32(buf[0:], simpleReplyMagic)
	binary.BigEndian.PutUint32(buf[4:], code)
	copy(buf[8:], handle)
	copy(buf[16:], data)
	_, err := sess.conn.Write(buf)
	return err
}
