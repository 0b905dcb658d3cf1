package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// AddressOverflowError is returned when an address range would wrap past the top of the physical address space
var AddressOverflowError error = errors.New("address range overflows the physical address space")
