// Package devpath builds and compares the binary device-path node sequences
// the firmware uses to identify the loopback controller and its children.
//
// A device path is a sequence of typed, length-prefixed nodes terminated by
// an end-of-path node, exactly as described by the UEFI device path
// protocol. Paths are never parsed back into a rich structure here beyond
// what the driver itself needs (child unit extraction and a terminal-node
// check); everything else is compared byte-for-byte.
package devpath

import (
	"bytes"
	"encoding/binary"
)

// Node type/subtype values, named after the UEFI device path node classes
// this driver actually emits or recognizes.
const (
	TypeHardware  = byte(0x01)
	TypeMessaging = byte(0x03)
	TypeMedia     = byte(0x04)
	TypeEnd       = byte(0x7F)

	SubTypeVendorHardware  = byte(0x04)
	SubTypeVendorMessaging = byte(0x0A)
	SubTypeMediaFilePath   = byte(0x04)
	SubTypeEndEntire       = byte(0xFF)
)

// GUID is a 128-bit vendor identifier, stored in the same mixed-endian byte
// layout the firmware uses on the wire.
type GUID [16]byte

// ControllerGUID identifies the loopback controller's vendor-hardware node.
// It is a fixed constant so every run of the driver produces the same
// controller device path.
var ControllerGUID = GUID{
	0x7c, 0x3b, 0x4c, 0x2e, 0x9a, 0x1d, 0x4f, 0x6e,
	0xb2, 0x05, 0x8b, 0x70, 0x1e, 0x44, 0x90, 0xaa,
}

// ChildGUID identifies a loopback child's vendor-messaging node.
var ChildGUID = GUID{
	0xe1, 0x6f, 0x2a, 0x9d, 0x3c, 0x77, 0x4a, 0x88,
	0x9e, 0x12, 0x6d, 0x54, 0x0f, 0xab, 0xcd, 0x01,
}

func appendNode(buf *bytes.Buffer, nodeType, subType byte, payload []byte) {
	length := uint16(4 + len(payload))
	buf.WriteByte(nodeType)
	buf.WriteByte(subType)
	binary.Write(buf, binary.LittleEndian, length)
	buf.Write(payload)
}

func appendEnd(buf *bytes.Buffer) {
	appendNode(buf, TypeEnd, SubTypeEndEntire, nil)
}

// Controller returns the controller's device path: a single vendor-hardware
// node carrying ControllerGUID, followed by an end node.
func Controller() []byte {
	var buf bytes.Buffer
	appendNode(&buf, TypeHardware, SubTypeVendorHardware, ControllerGUID[:])
	appendEnd(&buf)
	return buf.Bytes()
}

// Child returns a child's device path: the controller's path with the end
// node stripped, extended by a vendor-messaging node carrying ChildGUID and
// the unit number (4 bytes, little-endian), then terminated.
func Child(unit uint32) []byte {
	var buf bytes.Buffer
	appendNode(&buf, TypeHardware, SubTypeVendorHardware, ControllerGUID[:])

	unitBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(unitBytes, unit)
	payload := append(append([]byte{}, ChildGUID[:]...), unitBytes...)
	appendNode(&buf, TypeMessaging, SubTypeVendorMessaging, payload)

	appendEnd(&buf)
	return buf.Bytes()
}

// MediaFilePath builds a terminated media-file-path node for a UTF-16LE,
// NUL-terminated file path, the node type the firmware's filesystem
// protocols expect for Replace/Append source files.
func MediaFilePath(utf16Path []byte) []byte {
	var buf bytes.Buffer
	appendNode(&buf, TypeMedia, SubTypeMediaFilePath, utf16Path)
	appendEnd(&buf)
	return buf.Bytes()
}

// Equal reports whether two device paths are byte-identical.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// IsTerminal reports whether path is empty or consists of nothing but an end
// node, the condition driver-binding's Supported() checks against the
// "remaining device path" argument for a bus that accepts no further nodes.
func IsTerminal(path []byte) bool {
	if len(path) == 0 {
		return true
	}
	if len(path) != 4 {
		return false
	}
	return path[0] == TypeEnd && path[1] == SubTypeEndEntire
}

// ChildUnit extracts the unit number embedded in a child device path's
// vendor-messaging node. It returns false if path doesn't look like one this
// driver produced.
func ChildUnit(path []byte) (uint32, bool) {
	// Controller node (4 + 16 bytes) followed by the messaging node.
	const controllerNodeLen = 4 + 16
	if len(path) < controllerNodeLen+4+16+4 {
		return 0, false
	}
	messagingNode := path[controllerNodeLen:]
	if messagingNode[0] != TypeMessaging || messagingNode[1] != SubTypeVendorMessaging {
		return 0, false
	}
	unitOffset := 4 + 16
	return binary.LittleEndian.Uint32(messagingNode[unitOffset : unitOffset+4]), true
}
