// transport/sdi12/sdi12.go
//
// Package sdi12 speaks the SDI-12 command/response protocol used by
// environmental sondes: single-character addresses, "aM!" to start a
// measurement, "aD0!" to read the sign-delimited result fields. The physical
// layer (1200 baud, 7E1, line break wake-up) lives behind the Port
// interface; hardware ports are injected at construction.
package sdi12

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"envsense-go/errcode"
)

// ErrNoResponse signals a silent line: the sensor is absent or unpowered.
var ErrNoResponse = errNoResponse{}

type errNoResponse struct{}

func (errNoResponse) Error() string { return "no response" }

// Port carries one SDI-12 exchange: wake the line, send a command, return
// one response with the trailing <CR><LF> stripped. An empty line yields
// ErrNoResponse, never an empty string.
type Port interface {
	Exchange(ctx context.Context, cmd string) (string, error)
}

// ValidAddress reports whether a is a legal SDI-12 sensor address.
func ValidAddress(a byte) bool {
	return (a >= '0' && a <= '9') || (a >= 'a' && a <= 'z') || (a >= 'A' && a <= 'Z')
}

// Device is one addressed sensor on a shared SDI-12 line.
type Device struct {
	port Port
	addr byte
}

// NewDevice binds an address on a port.
func NewDevice(port Port, addr byte) (*Device, error) {
	if !ValidAddress(addr) {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "sdi12.NewDevice", Msg: "address " + string(addr)}
	}
	return &Device{port: port, addr: addr}, nil
}

// Address returns the device's address character.
func (d *Device) Address() byte { return d.addr }

// Location returns the human-readable address string, e.g. "SDI12_0".
func (d *Device) Location() string { return "SDI12_" + string(d.addr) }

// Ack sends the acknowledge-active command "a!".
func (d *Device) Ack(ctx context.Context) error {
	_, err := d.port.Exchange(ctx, string(d.addr)+"!")
	return err
}

// Measure sends "aM!" and parses the "atttn" reply: how long the sensor
// needs and how many values it will report.
func (d *Device) Measure(ctx context.Context) (wait time.Duration, values int, err error) {
	resp, err := d.port.Exchange(ctx, string(d.addr)+"M!")
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < 5 || resp[0] != d.addr {
		return 0, 0, &errcode.E{C: errcode.InvalidPayload, Op: "sdi12.Measure", Msg: resp}
	}
	secs, err := strconv.Atoi(resp[1:4])
	if err != nil {
		return 0, 0, &errcode.E{C: errcode.InvalidPayload, Op: "sdi12.Measure", Msg: resp, Err: err}
	}
	n, err := strconv.Atoi(resp[4:5])
	if err != nil {
		return 0, 0, &errcode.E{C: errcode.InvalidPayload, Op: "sdi12.Measure", Msg: resp, Err: err}
	}
	return time.Duration(secs) * time.Second, n, nil
}

// Data sends "aDp!" and returns the raw response line, address included.
func (d *Device) Data(ctx context.Context, page int) (string, error) {
	if page < 0 || page > 9 {
		return "", &errcode.E{C: errcode.InvalidParams, Op: "sdi12.Data", Msg: "page " + strconv.Itoa(page)}
	}
	return d.port.Exchange(ctx, string(d.addr)+"D"+strconv.Itoa(page)+"!")
}

// Fields splits a data response into its sign-delimited value strings.
// "0+3.90+23.5+1.1" yields addr '0' and ["+3.90", "+23.5", "+1.1"].
func Fields(resp string) (addr byte, fields []string, err error) {
	if resp == "" {
		return 0, nil, ErrNoResponse
	}
	addr = resp[0]
	if !ValidAddress(addr) {
		return 0, nil, &errcode.E{C: errcode.InvalidPayload, Op: "sdi12.Fields", Msg: resp}
	}
	body := resp[1:]
	start := -1
	for i := 0; i < len(body); i++ {
		if body[i] == '+' || body[i] == '-' {
			if start >= 0 {
				fields = append(fields, body[start:i])
			}
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, body[start:])
	}
	return addr, fields, nil
}

// ---- Serial port framing ----

const maxResponse = 80 // SDI-12 caps responses at 75 chars + CRLF

// SerialPort frames SDI-12 exchanges over a byte stream. The underlying
// stream is expected to enforce its own read timeout (a tty with VTIME, a
// net.Conn with deadlines); Exchange additionally honours ctx between reads.
type SerialPort struct {
	rw  io.ReadWriter
	buf [maxResponse]byte
}

// NewSerialPort wraps an open 1200-baud 7E1 stream.
func NewSerialPort(rw io.ReadWriter) *SerialPort {
	return &SerialPort{rw: rw}
}

// Exchange writes one command and reads one CRLF-terminated response.
func (p *SerialPort) Exchange(ctx context.Context, cmd string) (string, error) {
	if _, err := io.WriteString(p.rw, cmd); err != nil {
		return "", &errcode.E{C: errcode.Error, Op: "sdi12.Exchange", Msg: cmd, Err: err}
	}
	n := 0
	for n < len(p.buf) {
		if err := ctx.Err(); err != nil {
			return "", &errcode.E{C: errcode.Timeout, Op: "sdi12.Exchange", Msg: cmd, Err: err}
		}
		m, err := p.rw.Read(p.buf[n : n+1])
		if m > 0 {
			n += m
			if n >= 2 && p.buf[n-2] == '\r' && p.buf[n-1] == '\n' {
				return string(p.buf[:n-2]), nil
			}
			continue
		}
		if err != nil {
			break
		}
	}
	if n == 0 {
		return "", ErrNoResponse
	}
	// Unterminated partial line: treat as the whole response.
	return strings.TrimRight(string(p.buf[:n]), "\r\n"), nil
}
