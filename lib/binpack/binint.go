// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binpack

import (
	"encoding/binary"
	"fmt"
	"reflect"
)

// NeedNBytes returns an error if dat is shorter than n bytes.
func NeedNBytes(dat []byte, n int) error {
	if len(dat) < n {
		return fmt.Errorf("need %d bytes but only have %d", n, len(dat))
	}
	return nil
}

type U8 uint8

func (U8) BinaryStaticSize() int { return 1 }
func (n U8) MarshalBinary() ([]byte, error) {
	return []byte{byte(n)}, nil
}
func (n *U8) UnmarshalBinary(dat []byte) (int, error) {
	if err := NeedNBytes(dat, 1); err != nil {
		return 0, err
	}
	*n = U8(dat[0])
	return 1, nil
}

type I8 int8

func (I8) BinaryStaticSize() int { return 1 }
func (n I8) MarshalBinary() ([]byte, error) {
	return []byte{byte(n)}, nil
}
func (n *I8) UnmarshalBinary(dat []byte) (int, error) {
	if err := NeedNBytes(dat, 1); err != nil {
		return 0, err
	}
	*n = I8(int8(dat[0]))
	return 1, nil
}

type U16le uint16

func (U16le) BinaryStaticSize() int { return 2 }
func (n U16le) MarshalBinary() ([]byte, error) {
	dat := make([]byte, 2)
	binary.LittleEndian.PutUint16(dat, uint16(n))
	return dat, nil
}
func (n *U16le) UnmarshalBinary(dat []byte) (int, error) {
	if err := NeedNBytes(dat, 2); err != nil {
		return 0, err
	}
	*n = U16le(binary.LittleEndian.Uint16(dat))
	return 2, nil
}

type I16le int16

func (I16le) BinaryStaticSize() int { return 2 }
func (n I16le) MarshalBinary() ([]byte, error) {
	dat := make([]byte, 2)
	binary.LittleEndian.PutUint16(dat, uint16(n))
	return dat, nil
}
func (n *I16le) UnmarshalBinary(dat []byte) (int, error) {
	if err := NeedNBytes(dat, 2); err != nil {
		return 0, err
	}
	*n = I16le(int16(binary.LittleEndian.Uint16(dat)))
	return 2, nil
}

type U32le uint32

func (U32le) BinaryStaticSize() int { return 4 }
func (n U32le) MarshalBinary() ([]byte, error) {
	dat := make([]byte, 4)
	binary.LittleEndian.PutUint32(dat, uint32(n))
	return dat, nil
}
func (n *U32le) UnmarshalBinary(dat []byte) (int, error) {
	if err := NeedNBytes(dat, 4); err != nil {
		return 0, err
	}
	*n = U32le(binary.LittleEndian.Uint32(dat))
	return 4, nil
}

type I32le int32

func (I32le) BinaryStaticSize() int { return 4 }
func (n I32le) MarshalBinary() ([]byte, error) {
	dat := make([]byte, 4)
	binary.LittleEndian.PutUint32(dat, uint32(n))
	return dat, nil
}
func (n *I32le) UnmarshalBinary(dat []byte) (int, error) {
	if err := NeedNBytes(dat, 4); err != nil {
		return 0, err
	}
	*n = I32le(int32(binary.LittleEndian.Uint32(dat)))
	return 4, nil
}

type U64le uint64

func (U64le) BinaryStaticSize() int { return 8 }
func (n U64le) MarshalBinary() ([]byte, error) {
	dat := make([]byte, 8)
	binary.LittleEndian.PutUint64(dat, uint64(n))
	return dat, nil
}
func (n *U64le) UnmarshalBinary(dat []byte) (int, error) {
	if err := NeedNBytes(dat, 8); err != nil {
		return 0, err
	}
	*n = U64le(binary.LittleEndian.Uint64(dat))
	return 8, nil
}

type I64le int64

func (I64le) BinaryStaticSize() int { return 8 }
func (n I64le) MarshalBinary() ([]byte, error) {
	dat := make([]byte, 8)
	binary.LittleEndian.PutUint64(dat, uint64(n))
	return dat, nil
}
func (n *I64le) UnmarshalBinary(dat []byte) (int, error) {
	if err := NeedNBytes(dat, 8); err != nil {
		return 0, err
	}
	*n = I64le(int64(binary.LittleEndian.Uint64(dat)))
	return 8, nil
}

var intKind2Type = map[reflect.Kind]reflect.Type{
	reflect.Uint8:  reflect.TypeOf(U8(0)),
	reflect.Int8:   reflect.TypeOf(I8(0)),
	reflect.Uint16: reflect.TypeOf(U16le(0)),
	reflect.Int16:  reflect.TypeOf(I16le(0)),
	reflect.Uint32: reflect.TypeOf(U32le(0)),
	reflect.Int32:  reflect.TypeOf(I32le(0)),
	reflect.Uint64: reflect.TypeOf(U64le(0)),
	reflect.Int64:  reflect.TypeOf(I64le(0)),
}
