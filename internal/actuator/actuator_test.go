package actuator

import (
	"errors"
	"net"
	"testing"
	"testing/quick"
	"time"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Message{0, 0}, "0,0\n"},
		{Message{37, 100}, "37,100\n"},
		{Message{100, 5}, "100,5\n"},
		{Message{-4, 250}, "0,100\n"},
	}
	for _, tt := range tests {
		if got := string(Encode(tt.msg)); got != tt.want {
			t.Errorf("Encode(%+v) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Message
		wantErr bool
	}{
		{"37,100\n", Message{37, 100}, false},
		{"0,0", Message{0, 0}, false},
		{" 12 , 7\r\n", Message{12, 7}, false},
		{"150,-3\n", Message{100, 0}, false},
		{"37;100\n", Message{}, true},
		{"a,1\n", Message{}, true},
		{"1,b\n", Message{}, true},
		{"", Message{}, true},
	}
	for _, tt := range tests {
		got, err := Parse([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestEncodeParse_InRange(t *testing.T) {
	f := func(l, r uint8) bool {
		m := Message{Left: int(l) % 101, Right: int(r) % 101}
		got, err := Parse(Encode(m))
		return err == nil && got == m
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func listen(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func TestUDP_SendsOneDatagramPerMessage(t *testing.T) {
	server, port := listen(t)

	tx, err := DialUDP(UDPConfig{Host: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer tx.Close()

	msgs := []Message{{37, 100}, {0, 0}, {120, 5}}
	for _, m := range msgs {
		if err := tx.Send(m); err != nil {
			t.Fatalf("Send(%+v) error = %v", m, err)
		}
	}

	want := []string{"37,100\n", "0,0\n", "100,5\n"}
	buf := make([]byte, 64)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, w := range want {
		n, _, err := server.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("ReadFromUDP() error = %v", err)
		}
		if got := string(buf[:n]); got != w {
			t.Errorf("datagram = %q, want %q", got, w)
		}
	}

	stats := tx.Stats()
	if stats.Sent != 3 || stats.Failures != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.LastSent != (Message{100, 5}) {
		t.Errorf("LastSent = %+v, want clamped last message", stats.LastSent)
	}
}

func TestUDP_FailureIsCountedNotFatal(t *testing.T) {
	_, port := listen(t)

	tx, err := DialUDP(UDPConfig{Host: "127.0.0.1", Port: port, LogEvery: 2})
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	// break the socket underneath the transmitter
	tx.conn.Close()

	for i := 0; i < 3; i++ {
		if err := tx.Send(Message{50, 50}); err == nil {
			t.Fatal("Send() on a broken socket succeeded")
		}
	}
	if got := tx.Stats().Failures; got != 3 {
		t.Errorf("Failures = %d, want 3", got)
	}
	if got := tx.Stats().Sent; got != 0 {
		t.Errorf("Sent = %d, want 0", got)
	}
}

func TestUDP_SendAfterClose(t *testing.T) {
	_, port := listen(t)
	tx, err := DialUDP(UDPConfig{Host: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatal(err)
	}
	tx.Close()
	if err := tx.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := tx.Send(Message{1, 1}); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send() after Close error = %v, want net.ErrClosed", err)
	}
}

func TestDialUDP_Invalid(t *testing.T) {
	tests := []UDPConfig{
		{Host: "", Port: 4210},
		{Host: "127.0.0.1", Port: 0},
		{Host: "127.0.0.1", Port: 70000},
	}
	for _, cfg := range tests {
		if _, err := DialUDP(cfg); err == nil {
			t.Errorf("DialUDP(%+v) succeeded", cfg)
		}
	}
}

func TestDiscard(t *testing.T) {
	var d Discard
	var tx Transmitter = &d
	tx.Send(Message{1, 2})
	tx.Send(Message{3, 4})
	if d.Sent() != 2 {
		t.Errorf("Sent() = %d, want 2", d.Sent())
	}
}
