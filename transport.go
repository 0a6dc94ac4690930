package ringkv

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message is the single, self-describing envelope every request and
// response travels in. Only the fields relevant to Operation are
// populated; the rest carry their zero value. Using one flat, gob-encoded
// struct keeps the wire format binary (the deployment explicitly excludes
// text protocols) without requiring a code generator, which a protobuf or
// gRPC envelope would have needed.
type Message struct {
	Operation string
	Hops      []ID

	Status  string
	Message string

	JoiningNodeID   ID
	LeavingNodeID   ID
	RowIdx          int
	Row             []ID
	RoutingEntry    ID
	Lmin            []ID
	Lmax            []ID
	NodePosition    float64
	Distance        uint64
	NeighborhoodSet []ID
	Terminal        bool
	NextHop         ID

	Key     ID
	Point   Point
	Review  string
	Country string

	Criteria Criteria
	Fields   UpdateFields

	Lower Point
	Upper Point
	N     int

	Points  []Point
	Reviews []string
	Similar []string
}

// Operation names. These double as the dispatch key a Node switches on
// when handling an inbound request.
const (
	OpJoin                = "JOIN"
	OpPresence            = "PRESENCE"
	OpUpdateRoutingRow    = "UPDATE_ROUTING_ROW"
	OpUpdateRoutingEntry  = "UPDATE_ROUTING_ENTRY"
	OpUpdateLeafSet       = "UPDATE_LEAF_SET"
	OpGetLeafSet          = "GET_LEAF_SET"
	OpDistance            = "DISTANCE"
	OpLeave               = "LEAVE"
	OpInsertKey           = "INSERT_KEY"
	OpUpdateKey           = "UPDATE_KEY"
	OpDeleteKey           = "DELETE_KEY"
	OpLookup              = "LOOKUP"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func init() {
	gob.Register(Criteria{})
	gob.Register(UpdateFields{})
}

// maxFrameBytes is the absolute ceiling on a single frame, enforced
// regardless of configuration.
const maxFrameBytes = 64 * 1024

// clampFrameLimit caps a configured byte ceiling at maxFrameBytes so a
// misconfigured deployment can tighten but never loosen the wire limit.
func clampFrameLimit(configured int) int {
	if configured <= 0 || configured > maxFrameBytes {
		return maxFrameBytes
	}
	return configured
}

func encodeMessage(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("ringkv: encode message: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("ringkv: decode message: %w", err)
	}
	return &msg, nil
}

// writeFrame writes a 4-byte big-endian length prefix followed by
// payload, refusing anything past the configured ceiling.
func writeFrame(w io.Writer, payload []byte, maxBytes int) error {
	if len(payload) > maxBytes {
		return fmt.Errorf("ringkv: message of %d bytes exceeds the %d byte limit", len(payload), maxBytes)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame, rejecting anything past the
// configured ceiling before it is read into memory.
func readFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if int(n) > maxBytes {
		return nil, fmt.Errorf("ringkv: incoming frame of %d bytes exceeds the %d byte limit", n, maxBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Handler answers one request with a response. Implementations must be
// safe to call from many goroutines concurrently; the Server below calls
// it from its bounded worker pool.
type Handler func(*Message) *Message

// Server is a per-node socket listener with a bounded worker pool, as
// called for by the deployment's "many nodes, one process" concurrency
// model. Every accepted connection carries exactly one request/response
// round-trip, matching the synchronous request model: there is no
// pipelining of multiple requests over one connection.
type Server struct {
	listener    net.Listener
	handler     Handler
	sem         chan struct{}
	maxBytes    int
	logger      *zap.SugaredLogger
	quit        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewServer binds a TCP listener on loopback at the given port (0 picks a
// free port) and returns a Server ready to Serve.
func NewServer(port int, maxBytes, workers int, handler Handler, logger *zap.SugaredLogger) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 10
	}
	return &Server{
		listener: ln,
		handler:  handler,
		sem:      make(chan struct{}, workers),
		maxBytes: clampFrameLimit(maxBytes),
		logger:   logger,
		quit:     make(chan struct{}),
	}, nil
}

// Addr returns the loopback address the Server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the TCP port the Server is listening on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve accepts connections until Close is called, dispatching each to
// the worker pool. It blocks, so callers run it in its own goroutine.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.logger.Warnw("accept failed", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.quit:
		return
	}

	payload, err := readFrame(conn, s.maxBytes)
	if err != nil {
		s.logger.Debugw("failed to read request frame", "error", err)
		return
	}
	req, err := decodeMessage(payload)
	if err != nil {
		s.logger.Warnw("failed to decode request", "error", err)
		return
	}
	resp := s.handler(req)
	out, err := encodeMessage(resp)
	if err != nil {
		s.logger.Warnw("failed to encode response", "error", err)
		return
	}
	if err := writeFrame(conn, out, s.maxBytes); err != nil {
		s.logger.Debugw("failed to write response frame", "error", err)
	}
}

// Close stops accepting new connections and waits for in-flight requests
// to finish.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// SendRequest dials addr, sends msg, and waits for exactly one response
// frame, enforcing both the dial and the round-trip deadline.
func SendRequest(addr string, msg *Message, maxBytes int, timeout time.Duration) (*Message, error) {
	maxBytes = clampFrameLimit(maxBytes)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	payload, err := encodeMessage(msg)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, payload, maxBytes); err != nil {
		return nil, err
	}
	respBytes, err := readFrame(conn, maxBytes)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, throwTimeout("waiting on a response from "+addr, int(timeout/time.Second))
		}
		return nil, err
	}
	return decodeMessage(respBytes)
}
