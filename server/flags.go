package main

import (
	"strconv"
)

// uint32Flag rejects values that do not fit instead of truncating them.
type uint32Flag struct {
	v *uint32
}

func (f uint32Flag) String() string {
	if f.v == nil {
		return "0"
	}
	return strconv.FormatUint(uint64(*f.v), 10)
}

func (f uint32Flag) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return err
	}
	*f.v = uint32(n)
	return nil
}
