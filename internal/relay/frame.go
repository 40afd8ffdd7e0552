package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Modbus-RTU function codes used by the relay cards.
const (
	funcReadCoils       = 0x01
	funcWriteSingleCoil = 0x05

	// Write-single-coil payload values.
	coilOn  = 0xFF00
	coilOff = 0x0000

	// Exception responses set the high bit of the function code.
	exceptionFlag = 0x80
)

// Modbus exception codes observed on the Waveshare cards.
const (
	exIllegalFunction    = 0x01
	exIllegalDataAddress = 0x02
	exIllegalDataValue   = 0x03
	exSlaveDeviceFailure = 0x04
	exSlaveDeviceBusy    = 0x06
)

var errShortFrame = errors.New("frame too short")

// crc16 computes the Modbus-RTU CRC (poly 0xA001, init 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the little-endian CRC trailer to a frame body.
func appendCRC(body []byte) []byte {
	crc := crc16(body)
	return append(body, byte(crc&0xFF), byte(crc>>8))
}

// buildWriteSingleCoil builds a function 0x05 frame. coilAddr is the
// 0-based wire address.
func buildWriteSingleCoil(slave uint8, coilAddr uint16, on bool) []byte {
	value := uint16(coilOff)
	if on {
		value = coilOn
	}
	body := make([]byte, 6)
	body[0] = slave
	body[1] = funcWriteSingleCoil
	binary.BigEndian.PutUint16(body[2:4], coilAddr)
	binary.BigEndian.PutUint16(body[4:6], value)
	return appendCRC(body)
}

// buildReadCoils builds a function 0x01 frame reading count coils from the
// 0-based wire address start.
func buildReadCoils(slave uint8, start, count uint16) []byte {
	body := make([]byte, 6)
	body[0] = slave
	body[1] = funcReadCoils
	binary.BigEndian.PutUint16(body[2:4], start)
	binary.BigEndian.PutUint16(body[4:6], count)
	return appendCRC(body)
}

// verifyCRC checks the little-endian CRC trailer of a received frame.
func verifyCRC(frame []byte) error {
	if len(frame) < 4 {
		return errShortFrame
	}
	body := frame[:len(frame)-2]
	want := crc16(body)
	got := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	if want != got {
		return fmt.Errorf("crc mismatch: want %04x, got %04x", want, got)
	}
	return nil
}

// checkResponse validates a response against the request: CRC, slave echo,
// and exception responses. Write-single-coil responses echo the request.
func checkResponse(req, resp []byte) error {
	if err := verifyCRC(resp); err != nil {
		return err
	}
	if resp[0] != req[0] {
		return fmt.Errorf("slave mismatch: sent %d, got %d", req[0], resp[0])
	}
	if resp[1] == req[1]|exceptionFlag {
		if len(resp) < 5 {
			return errShortFrame
		}
		return exceptionError(resp[2])
	}
	if resp[1] != req[1] {
		return fmt.Errorf("function mismatch: sent %02x, got %02x", req[1], resp[1])
	}
	return nil
}

// exceptionError maps a Modbus exception code to a normalized error.
func exceptionError(code byte) error {
	switch code {
	case exIllegalDataAddress, exIllegalDataValue:
		return fmt.Errorf("%w: modbus exception %02x", ErrInvalidRange, code)
	case exSlaveDeviceBusy:
		return fmt.Errorf("%w: modbus exception %02x", ErrBusy, code)
	case exSlaveDeviceFailure:
		return fmt.Errorf("%w: modbus exception %02x", ErrUnavailable, code)
	case exIllegalFunction:
		return fmt.Errorf("%w: modbus exception %02x", ErrInternal, code)
	default:
		return fmt.Errorf("%w: modbus exception %02x", ErrInternal, code)
	}
}
