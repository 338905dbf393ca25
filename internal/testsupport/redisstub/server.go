// Package redisstub is an in-process RESP2 server covering the commands the
// lock, the cleanup queue and the event bridge issue. It exists for tests.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server speaks enough RESP2 for go-redis: strings with expiry, lists with
// BLPOP, pub/sub and the lock release script.
type Server struct {
	listener net.Listener
	addr     string

	mu     sync.Mutex
	kv     map[string]*entry
	lists  map[string][]string
	subs   map[string]map[*conn]struct{}
	closed chan struct{}
}

type entry struct {
	value  string
	expiry time.Time
}

type conn struct {
	net.Conn
	wmu sync.Mutex
	w   *bufio.Writer
}

// Start listens on a random loopback port.
func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: ln,
		addr:     ln.Addr().String(),
		kv:       make(map[string]*entry),
		lists:    make(map[string][]string),
		subs:     make(map[string]map[*conn]struct{}),
		closed:   make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

func (s *Server) Addr() string { return s.addr }

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
	return s.listener.Close()
}

// List returns a copy of the list stored at key.
func (s *Server) List(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[key]...)
}

// Get returns the string stored at key, honoring expiry.
func (s *Server) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveEntry(key)
	if e == nil {
		return "", false
	}
	return e.value, true
}

func (s *Server) serve() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handle(&conn{Conn: nc, w: bufio.NewWriter(nc)})
	}
}

func (s *Server) handle(c *conn) {
	defer func() {
		s.unsubscribeAll(c)
		_ = c.Close()
	}()
	r := bufio.NewReader(c)
	subscribed := false
	for {
		args, err := readArray(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			c.reply(errReply("ERR wrong number of arguments"))
			continue
		}
		cmd := strings.ToUpper(args[0])
		if subscribed {
			switch cmd {
			case "PING":
				c.reply([]any{"pong", ""})
			case "SUBSCRIBE":
				s.subscribe(c, args[1:])
			case "UNSUBSCRIBE":
				s.unsubscribe(c, args[1:])
			default:
				c.reply(errReply("ERR only (P)SUBSCRIBE / (P)UNSUBSCRIBE / PING / QUIT allowed in this context"))
			}
			continue
		}
		if cmd == "SUBSCRIBE" {
			subscribed = true
			s.subscribe(c, args[1:])
			continue
		}
		c.reply(s.dispatch(cmd, args[1:]))
	}
}

type errReply string

type nilReply struct{}

type nilArray struct{}

type simple string

func (s *Server) dispatch(cmd string, args []string) any {
	switch cmd {
	case "PING":
		return simple("PONG")
	case "AUTH", "SELECT", "CLIENT":
		return simple("OK")
	case "SET":
		return s.set(args)
	case "GET":
		if len(args) != 1 {
			return errReply("ERR wrong number of arguments for 'get'")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if e := s.liveEntry(args[0]); e != nil {
			return e.value
		}
		return nilReply{}
	case "DEL":
		s.mu.Lock()
		defer s.mu.Unlock()
		var n int64
		for _, k := range args {
			if s.liveEntry(k) != nil {
				delete(s.kv, k)
				n++
			}
			if _, ok := s.lists[k]; ok {
				delete(s.lists, k)
				n++
			}
		}
		return n
	case "EVALSHA":
		return errReply("NOSCRIPT No matching script. Please use EVAL.")
	case "EVAL":
		return s.eval(args)
	case "RPUSH":
		if len(args) < 2 {
			return errReply("ERR wrong number of arguments for 'rpush'")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lists[args[0]] = append(s.lists[args[0]], args[1:]...)
		return int64(len(s.lists[args[0]]))
	case "LLEN":
		s.mu.Lock()
		defer s.mu.Unlock()
		return int64(len(s.lists[args[0]]))
	case "BLPOP":
		return s.blpop(args)
	case "PUBLISH":
		if len(args) != 2 {
			return errReply("ERR wrong number of arguments for 'publish'")
		}
		return s.publish(args[0], args[1])
	default:
		return errReply(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

// liveEntry must be called with s.mu held.
func (s *Server) liveEntry(key string) *entry {
	e, ok := s.kv[key]
	if !ok {
		return nil
	}
	if !e.expiry.IsZero() && time.Now().After(e.expiry) {
		delete(s.kv, key)
		return nil
	}
	return e
}

func (s *Server) set(args []string) any {
	if len(args) < 2 {
		return errReply("ERR wrong number of arguments for 'set'")
	}
	key, value := args[0], args[1]
	var ttl time.Duration
	nx := false
	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			nx = true
		case "PX", "EX":
			if i+1 >= len(args) {
				return errReply("ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return errReply("ERR value is not an integer or out of range")
			}
			unit := time.Millisecond
			if strings.EqualFold(args[i], "EX") {
				unit = time.Second
			}
			ttl = time.Duration(n) * unit
			i++
		default:
			return errReply("ERR syntax error")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if nx && s.liveEntry(key) != nil {
		return nilReply{}
	}
	e := &entry{value: value}
	if ttl > 0 {
		e.expiry = time.Now().Add(ttl)
	}
	s.kv[key] = e
	return simple("OK")
}

// eval understands the two lock scripts: compare KEYS[1] with ARGV[1], then
// either delete the key or set its expiry to ARGV[2] milliseconds.
func (s *Server) eval(args []string) any {
	if len(args) < 4 || args[1] != "1" {
		return errReply("ERR unsupported script")
	}
	script, key, token := args[0], args[2], args[3]
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveEntry(key)
	if e == nil || e.value != token {
		return int64(0)
	}
	switch {
	case strings.Contains(script, "pexpire"):
		if len(args) < 5 {
			return errReply("ERR wrong number of arguments")
		}
		ms, err := strconv.ParseInt(args[4], 10, 64)
		if err != nil {
			return errReply("ERR value is not an integer or out of range")
		}
		e.expiry = time.Now().Add(time.Duration(ms) * time.Millisecond)
		return int64(1)
	case strings.Contains(script, "del"):
		delete(s.kv, key)
		return int64(1)
	default:
		return errReply("ERR unsupported script")
	}
}

func (s *Server) blpop(args []string) any {
	if len(args) < 2 {
		return errReply("ERR wrong number of arguments for 'blpop'")
	}
	keys := args[:len(args)-1]
	secs, err := strconv.ParseFloat(args[len(args)-1], 64)
	if err != nil {
		return errReply("ERR timeout is not a float or out of range")
	}
	var deadline time.Time
	if secs > 0 {
		deadline = time.Now().Add(time.Duration(secs * float64(time.Second)))
	}
	for {
		s.mu.Lock()
		for _, k := range keys {
			if l := s.lists[k]; len(l) > 0 {
				s.lists[k] = l[1:]
				s.mu.Unlock()
				return []any{k, l[0]}
			}
		}
		s.mu.Unlock()
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nilArray{}
		}
		select {
		case <-s.closed:
			return nilArray{}
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *Server) subscribe(c *conn, channels []string) {
	for _, ch := range channels {
		s.mu.Lock()
		if s.subs[ch] == nil {
			s.subs[ch] = make(map[*conn]struct{})
		}
		s.subs[ch][c] = struct{}{}
		n := s.countLocked(c)
		s.mu.Unlock()
		c.reply([]any{"subscribe", ch, n})
	}
}

func (s *Server) unsubscribe(c *conn, channels []string) {
	for _, ch := range channels {
		s.mu.Lock()
		delete(s.subs[ch], c)
		n := s.countLocked(c)
		s.mu.Unlock()
		c.reply([]any{"unsubscribe", ch, n})
	}
}

func (s *Server) unsubscribeAll(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.subs {
		delete(m, c)
	}
}

func (s *Server) countLocked(c *conn) int64 {
	var n int64
	for _, m := range s.subs {
		if _, ok := m[c]; ok {
			n++
		}
	}
	return n
}

func (s *Server) publish(channel, payload string) any {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.subs[channel]))
	for c := range s.subs[channel] {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.reply([]any{"message", channel, payload})
	}
	return int64(len(targets))
}

func (c *conn) reply(v any) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	writeValue(c.w, v)
	_ = c.w.Flush()
}

func writeValue(w *bufio.Writer, v any) {
	switch t := v.(type) {
	case simple:
		fmt.Fprintf(w, "+%s\r\n", string(t))
	case errReply:
		fmt.Fprintf(w, "-%s\r\n", string(t))
	case nilReply:
		w.WriteString("$-1\r\n")
	case nilArray:
		w.WriteString("*-1\r\n")
	case int64:
		fmt.Fprintf(w, ":%d\r\n", t)
	case string:
		fmt.Fprintf(w, "$%d\r\n%s\r\n", len(t), t)
	case []any:
		fmt.Fprintf(w, "*%d\r\n", len(t))
		for _, e := range t {
			writeValue(w, e)
		}
	default:
		s := fmt.Sprint(t)
		fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
	}
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
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
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	n, err := readLength(r)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", nil
	}
	buf := make([]byte, n+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
