package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options configures the stub.
type Options struct {
	Password  string
	EnableTLS bool
}

// Server is a minimal RESP server implementing the stream commands used by
// the event sink (XADD, XLEN, XRANGE) and the counter commands used by the
// rate limiter (INCR, EXPIRE, TTL).
type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string]*redisStream
	counters map[string]*counter
	seq      int
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
}

type counter struct {
	value   int64
	expires time.Time
}

type redisStream struct {
	entries []Entry
}

// Entry is one stream record with its fields flattened as key, value pairs.
type Entry struct {
	ID     string
	Fields []string
}

// Start listens on a random loopback port and serves until Close.
func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:    opts,
		streams:  make(map[string]*redisStream),
		counters: make(map[string]*counter),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, _, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// CertPEM returns the self-signed certificate when TLS is enabled.
func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		var werr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// RESP3 negotiation is not supported; clients fall back to AUTH.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "AUTH":
			if len(args) != 2 && len(args) != 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
				break
			}
			if s.opts.Password == "" || args[len(args)-1] == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XLEN":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'xlen'")
		}
		s.mu.Lock()
		n := len(s.ensureStream(args[1]).entries)
		s.mu.Unlock()
		return writeInteger(writer, int64(n))
	case "XRANGE":
		if len(args) < 4 {
			return writeError(writer, "ERR wrong number of arguments for 'xrange'")
		}
		entries := s.Entries(args[1])
		records := make([]interface{}, 0, len(entries))
		for _, entry := range entries {
			records = append(records, []interface{}{entry.ID, flatten(entry.Fields)})
		}
		return writeArray(writer, records)
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		s.mu.Lock()
		c := s.liveCounter(args[1])
		if c == nil {
			c = &counter{}
			s.counters[args[1]] = c
		}
		c.value++
		value := c.value
		s.mu.Unlock()
		return writeInteger(writer, value)
	case "EXPIRE":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		s.mu.Lock()
		c := s.liveCounter(args[1])
		if c != nil {
			c.expires = time.Now().Add(time.Duration(seconds) * time.Second)
		}
		s.mu.Unlock()
		if c == nil {
			return writeInteger(writer, 0)
		}
		return writeInteger(writer, 1)
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		ttl := int64(-2)
		s.mu.Lock()
		if c := s.liveCounter(args[1]); c != nil {
			ttl = -1
			if !c.expires.IsZero() {
				ttl = int64(time.Until(c.expires).Round(time.Second) / time.Second)
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, ttl)
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

// liveCounter returns the counter for key, dropping it once expired. The
// caller holds s.mu.
func (s *Server) liveCounter(key string) *counter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !c.expires.IsZero() && !time.Now().Before(c.expires) {
		delete(s.counters, key)
		return nil
	}
	return c
}

// handleXAdd accepts XADD key [NOMKSTREAM] [MAXLEN|MINID [=|~] threshold] id field value...
func (s *Server) handleXAdd(writer *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	stream := args[1]
	i := 2
	maxLen := -1
	for i < len(args) {
		switch strings.ToUpper(args[i]) {
		case "NOMKSTREAM":
			i++
			continue
		case "MAXLEN", "MINID":
			isMaxLen := strings.EqualFold(args[i], "MAXLEN")
			i++
			if i < len(args) && (args[i] == "~" || args[i] == "=") {
				i++
			}
			if i >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			if isMaxLen {
				n, err := strconv.Atoi(args[i])
				if err != nil {
					return writeError(writer, "ERR value is not an integer or out of range")
				}
				maxLen = n
			}
			i++
			continue
		}
		break
	}
	if i >= len(args) || (len(args)-i-1)%2 != 0 || len(args)-i-1 == 0 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	id := args[i]
	fields := make([]string, 0, len(args)-i-1)
	fields = append(fields, args[i+1:]...)

	s.mu.Lock()
	strm := s.ensureStream(stream)
	if id == "*" {
		s.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	strm.entries = append(strm.entries, Entry{ID: id, Fields: fields})
	if maxLen >= 0 && len(strm.entries) > maxLen {
		strm.entries = append([]Entry(nil), strm.entries[len(strm.entries)-maxLen:]...)
	}
	s.mu.Unlock()
	return writeBulkString(writer, id)
}

// Entries returns a copy of the entries appended to stream, oldest first.
func (s *Server) Entries(stream string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return nil
	}
	out := make([]Entry, len(strm.entries))
	for i, entry := range strm.entries {
		out[i] = Entry{ID: entry.ID, Fields: append([]string(nil), entry.Fields...)}
	}
	return out
}

// Value returns the value of field in the entry, or "" when absent.
func (e Entry) Value(field string) string {
	for i := 0; i+1 < len(e.Fields); i += 2 {
		if e.Fields[i] == field {
			return e.Fields[i+1]
		}
	}
	return ""
}

func (s *Server) ensureStream(name string) *redisStream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &redisStream{}
		s.streams[name] = strm
	}
	return strm
}

func flatten(fields []string) []interface{} {
	out := make([]interface{}, 0, len(fields))
	for _, f := range fields {
		out = append(out, f)
	}
	return out
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if err := writeBulkStringRaw(w, v); err != nil {
				return err
			}
		case []byte:
			if err := writeBulkBytesRaw(w, v); err != nil {
				return err
			}
		case int64:
			if err := writeIntegerRaw(w, v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArray(w, v); err != nil {
				return err
			}
		default:
			if err := writeBulkStringRaw(w, fmt.Sprint(v)); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return nil
}

func writeBulkBytesRaw(w *bufio.Writer, value []byte) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n", len(value)); err != nil {
		return err
	}
	if _, err := w.Write(value); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return nil
}

func writeIntegerRaw(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return nil
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
