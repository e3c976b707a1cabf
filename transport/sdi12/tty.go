// transport/sdi12/tty.go
package sdi12

import (
	"time"

	"github.com/jacobsa/go-serial/serial"

	"envsense-go/errcode"
)

// OpenTTY opens a host serial device with SDI-12 line settings: 1200 baud,
// 7 data bits, even parity, one stop bit. The inter-character timeout bounds
// each read so a silent line surfaces as ErrNoResponse instead of a hang.
func OpenTTY(path string) (*SerialPort, error) {
	rw, err := serial.Open(serial.OpenOptions{
		PortName:              path,
		BaudRate:              1200,
		DataBits:              7,
		ParityMode:            serial.PARITY_EVEN,
		StopBits:              1,
		InterCharacterTimeout: uint(200 * time.Millisecond / time.Millisecond),
		MinimumReadSize:       0,
	})
	if err != nil {
		return nil, &errcode.E{C: errcode.UnknownPort, Op: "sdi12.OpenTTY", Msg: path, Err: err}
	}
	return NewSerialPort(rw), nil
}

// PortSet is a Port lookup by configured id.
type PortSet map[string]Port

func (s PortSet) ByID(id string) (Port, bool) {
	p, ok := s[id]
	return p, ok
}
