package array

import "unsafe"

func wordPtr32(b []byte) unsafe.Pointer { return unsafe.Pointer(&b[0]) }
func wordPtr64(b []byte) unsafe.Pointer { return unsafe.Pointer(&b[0]) }
