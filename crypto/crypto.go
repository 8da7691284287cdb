// Package crypto implements the AES-128 primitives a LoRaWAN 1.0.3
// end-device needs: the CMAC-based message integrity code, the
// CTR-style payload stream cipher, the join-accept decryption
// primitive and session-key derivation. All functions are pure and
// operate on fixed-size inputs; none allocate beyond the returned
// slice/array, and none use floating point.
package crypto

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jacobsa/crypto/cmac"
)

// MICSize is the length in bytes of a LoRaWAN message integrity code.
const MICSize = 4

const blockSize = 16

// AESKey is a 128 bit AES key. Its zero value is not a valid key for
// any operation in this package that requires one.
type AESKey [16]byte

// String renders the key as hex. Used only for non-sensitive contexts
// (tests); application logging must never print an AESKey.
func (k AESKey) String() string {
	return hex.EncodeToString(k[:])
}

// Equal reports whether two keys are identical, in constant time.
func (k AESKey) Equal(other AESKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// IsZero reports whether the key is all-zero (i.e. unset).
func (k AESKey) IsZero() bool {
	var zero AESKey
	return k.Equal(zero)
}

// MIC is a 4 byte message integrity code.
type MIC [MICSize]byte

// Direction identifies the direction a frame travels, which feeds the
// B0/Ai block construction for MIC and payload encryption.
type Direction byte

// Frame directions.
const (
	Up   Direction = 0
	Down Direction = 1
)

// DevAddrLen is the wire length of a DevAddr, used to size B0/Ai
// blocks without importing the mac package (which would create an
// import cycle, since mac depends on crypto).
const DevAddrLen = 4

// ComputeMIC computes the message integrity code over msg as
// CMAC(key, B0 || msg)[0:4], where
//
//	B0 = 0x49 ‖ 0x00 0x00 0x00 0x00 ‖ dir ‖ devAddr(LE4) ‖ fcnt(LE4) ‖ 0x00 ‖ len(msg)
//
// fcnt is the full 32 bit frame counter; only its low 16 bits travel
// on the air, but the full value must be reconstructed by the caller
// before calling this function (see mac.Layer for the reconstruction
// window).
func ComputeMIC(key AESKey, msg []byte, devAddr [DevAddrLen]byte, fcnt uint32, dir Direction) (MIC, error) {
	var b0 [blockSize]byte
	b0[0] = 0x49
	b0[5] = byte(dir)
	copy(b0[6:10], devAddr[:])
	putUint32LE(b0[10:14], fcnt)
	if len(msg) > 255 {
		return MIC{}, fmt.Errorf("crypto: message of %d bytes exceeds the 255 byte MIC length field", len(msg))
	}
	b0[15] = byte(len(msg))

	return cmacTag(key, b0[:], msg)
}

// ComputeJoinRequestMIC computes CMAC(appKey, msg)[0:4] over a
// JoinRequest (MHDR ‖ AppEUI ‖ DevEUI ‖ DevNonce).
func ComputeJoinRequestMIC(appKey AESKey, msg []byte) (MIC, error) {
	return cmacTag(appKey, nil, msg)
}

func cmacTag(key AESKey, prefix, msg []byte) (MIC, error) {
	var mic MIC

	hash, err := cmac.New(key[:])
	if err != nil {
		return mic, fmt.Errorf("crypto: %w", err)
	}
	if prefix != nil {
		if _, err := hash.Write(prefix); err != nil {
			return mic, fmt.Errorf("crypto: %w", err)
		}
	}
	if _, err := hash.Write(msg); err != nil {
		return mic, fmt.Errorf("crypto: %w", err)
	}

	sum := hash.Sum(nil)
	if len(sum) < MICSize {
		return mic, errors.New("crypto: CMAC returned fewer than 4 bytes")
	}
	copy(mic[:], sum[:MICSize])
	return mic, nil
}

// EncryptPayload applies the LoRaWAN CTR-style keystream to payload
// and returns the result. The operation is self-inverse: applying it
// twice with identical (key, devAddr, fcnt, dir) recovers the
// original payload, so this same function is used for both
// encryption and decryption.
//
// Each 16 byte keystream block is AES-ECB(key, Ai) where
//
//	Ai = 0x01 ‖ 0x00 0x00 0x00 0x00 ‖ dir ‖ devAddr(LE4) ‖ fcnt(LE4) ‖ 0x00 ‖ i
//
// for i = 1..ceil(len(payload)/16), per the normative block counter
// (1-based, not 0-based).
func EncryptPayload(key AESKey, devAddr [DevAddrLen]byte, fcnt uint32, dir Direction, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}

	out := make([]byte, len(payload))
	blocks := (len(payload) + blockSize - 1) / blockSize

	for i := 1; i <= blocks; i++ {
		var a, s [blockSize]byte
		a[0] = 0x01
		a[5] = byte(dir)
		copy(a[6:10], devAddr[:])
		putUint32LE(a[10:14], fcnt)
		a[15] = byte(i)

		block.Encrypt(s[:], a[:])

		start := (i - 1) * blockSize
		end := start + blockSize
		if end > len(payload) {
			end = len(payload)
		}
		for j := start; j < end; j++ {
			out[j] = payload[j] ^ s[j-start]
		}
	}

	return out, nil
}

// EncryptJoinAccept recovers the plaintext of a network-server
// encrypted JoinAccept (or, symmetrically, produces test fixtures
// that look like one). The network encodes JoinAccept by AES-ECB
// *decrypting* the plaintext with AppKey (1.0.3 §6.2.5); the device
// therefore runs the AES-ECB *encrypt* operation on the received
// bytes to recover the plaintext. data must be a multiple of the AES
// block size.
func EncryptJoinAccept(appKey AESKey, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("crypto: join-accept payload must be a non-zero multiple of %d bytes, got %d", blockSize, len(data))
	}

	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}

	out := make([]byte, len(data))
	for off := 0; off < len(data); off += blockSize {
		block.Encrypt(out[off:off+blockSize], data[off:off+blockSize])
	}
	return out, nil
}

// DeriveSessionKeys derives NwkSKey and AppSKey from a JoinAccept, per
// 1.0.3 §6.2.4:
//
//	NwkSKey = AES-ECB(AppKey, 0x01 ‖ AppNonce ‖ NetID ‖ DevNonce(LE2) ‖ pad16)
//	AppSKey = AES-ECB(AppKey, 0x02 ‖ AppNonce ‖ NetID ‖ DevNonce(LE2) ‖ pad16)
func DeriveSessionKeys(appKey AESKey, appNonce [3]byte, netID [3]byte, devNonce uint16) (nwkSKey, appSKey AESKey, err error) {
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return AESKey{}, AESKey{}, fmt.Errorf("crypto: %w", err)
	}

	var nwkBlock, appBlock [blockSize]byte
	nwkBlock[0] = 0x01
	appBlock[0] = 0x02
	for _, b := range [][]byte{nwkBlock[:], appBlock[:]} {
		copy(b[1:4], appNonce[:])
		copy(b[4:7], netID[:])
		b[7] = byte(devNonce)
		b[8] = byte(devNonce >> 8)
	}

	var nwkOut, appOut [blockSize]byte
	block.Encrypt(nwkOut[:], nwkBlock[:])
	block.Encrypt(appOut[:], appBlock[:])

	return AESKey(nwkOut), AESKey(appOut), nil
}

// EncryptBlock runs a single raw AES-128-ECB encryption of block under
// key. It is the primitive behind EncryptJoinAccept, DeriveSessionKeys
// and the Class B ping-slot pseudo-random offset computation.
func EncryptBlock(key AESKey, block [blockSize]byte) ([blockSize]byte, error) {
	cipher, err := aes.NewCipher(key[:])
	if err != nil {
		return [blockSize]byte{}, fmt.Errorf("crypto: %w", err)
	}
	var out [blockSize]byte
	cipher.Encrypt(out[:], block[:])
	return out, nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
