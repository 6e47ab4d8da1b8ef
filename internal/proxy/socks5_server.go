package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
)

// SOCKS5Server is a CONNECT-only SOCKS5 front end sharing the HTTP proxy's
// policy and tunnel engine: credentials are checked through username/password
// subnegotiation (RFC 1929), the destination host goes through the same
// allowlist, and every outbound attempt draws a random egress address.
type SOCKS5Server struct {
	ctx     context.Context
	cfg     Config
	tun     *Tunneler
	verbose bool
}

func NewSOCKS5Server(ctx context.Context, cfg Config, verbose bool) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKS5Server{ctx: ctx, cfg: cfg, tun: NewTunneler(cfg), verbose: verbose}
}

func (s *SOCKS5Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(c)
	}
}

func (s *SOCKS5Server) handleConn(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	if !s.negotiate(br, bw) {
		return
	}

	// request: VER CMD RSV ATYP
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return
	}
	if hdr[0] != 0x05 {
		return
	}
	if hdr[1] != 0x01 { // CONNECT only
		s.writeReply(bw, 0x07, nil) // Command not supported
		_ = bw.Flush()
		return
	}

	dstHost, err := readSocksAddr(br, hdr[3])
	if err != nil {
		s.writeReply(bw, 0x08, nil) // Address type not supported
		_ = bw.Flush()
		return
	}
	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(br, portBytes); err != nil {
		return
	}
	dstPort := binary.BigEndian.Uint16(portBytes)

	if !s.cfg.Policy.HostAllowed(dstHost) {
		s.writeReply(bw, 0x02, nil) // Connection not allowed by ruleset
		_ = bw.Flush()
		return
	}

	dst := net.JoinHostPort(dstHost, strconv.Itoa(int(dstPort)))

	up, err := s.tun.Establish(s.ctx, dst)
	if err != nil {
		if s.verbose {
			log.Printf("socks5 connect %s: %v", dst, err)
		}
		s.writeReply(bw, 0x05, nil) // Connection refused
		_ = bw.Flush()
		return
	}
	defer up.Close()

	s.writeReply(bw, 0x00, up.LocalAddr())
	if err := bw.Flush(); err != nil {
		return
	}

	_ = CopyBidirectional(s.ctx, conn, up)
}

// negotiate handles the method greeting and, when credentials are configured,
// the username/password subnegotiation. Reports whether the client may
// proceed to the request phase.
func (s *SOCKS5Server) negotiate(br *bufio.Reader, bw *bufio.Writer) bool {
	if ver, err := br.ReadByte(); err != nil || ver != 0x05 {
		return false
	}

	nMethods, err := br.ReadByte()
	if err != nil {
		return false
	}
	methods := make([]byte, int(nMethods))
	if _, err := io.ReadFull(br, methods); err != nil {
		return false
	}

	if !s.cfg.Policy.RequireCredentials() {
		if _, err := bw.Write([]byte{0x05, 0x00}); err != nil {
			return false
		}
		return bw.Flush() == nil
	}

	offered := false
	for _, m := range methods {
		if m == 0x02 {
			offered = true
			break
		}
	}
	if !offered {
		_, _ = bw.Write([]byte{0x05, 0xff}) // No acceptable methods
		_ = bw.Flush()
		return false
	}

	if _, err := bw.Write([]byte{0x05, 0x02}); err != nil {
		return false
	}
	if err := bw.Flush(); err != nil {
		return false
	}

	// RFC 1929: VER ULEN UNAME PLEN PASSWD
	if ver, err := br.ReadByte(); err != nil || ver != 0x01 {
		return false
	}
	login, err := readCounted(br)
	if err != nil {
		return false
	}
	password, err := readCounted(br)
	if err != nil {
		return false
	}

	if !s.cfg.Policy.CheckCredential(login, password) {
		_, _ = bw.Write([]byte{0x01, 0x01})
		_ = bw.Flush()
		return false
	}

	if _, err := bw.Write([]byte{0x01, 0x00}); err != nil {
		return false
	}
	return bw.Flush() == nil
}

func readCounted(r *bufio.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, int(n))
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SOCKS5Server) writeReply(w *bufio.Writer, rep byte, bindAddr net.Addr) {
	// VER REP RSV ATYP BND.ADDR BND.PORT
	_ = w.WriteByte(0x05)
	_ = w.WriteByte(rep)
	_ = w.WriteByte(0x00)

	ip := net.IPv4zero
	port := uint16(0)
	if ta, ok := bindAddr.(*net.TCPAddr); ok {
		if ta.IP != nil {
			ip = ta.IP
		}
		port = uint16(ta.Port)
	}

	pb := make([]byte, 2)
	binary.BigEndian.PutUint16(pb, port)

	if ip4 := ip.To4(); ip4 != nil {
		_ = w.WriteByte(0x01)
		_, _ = w.Write(ip4)
		_, _ = w.Write(pb)
		return
	}

	ip16 := ip.To16()
	if ip16 == nil {
		ip16 = net.IPv6zero
	}
	_ = w.WriteByte(0x04)
	_, _ = w.Write(ip16)
	_, _ = w.Write(pb)
}

var errSOCKSAddr = errors.New("socks5: bad address type")

func readSocksAddr(r *bufio.Reader, atyp byte) (string, error) {
	switch atyp {
	case 0x01:
		b := make([]byte, 4)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	case 0x03:
		return readCounted(r)
	case 0x04:
		b := make([]byte, 16)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	default:
		return "", errSOCKSAddr
	}
}
