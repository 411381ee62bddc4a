package domain

import "strconv"

// KeyVersion identifies one generation of vault encryption key material.
// Zero is never issued.
type KeyVersion uint32

// SaltVersion identifies one generation of pseudonymization salt.
// Zero is never issued.
type SaltVersion uint32

func (v KeyVersion) String() string  { return "k" + strconv.FormatUint(uint64(v), 10) }
func (v SaltVersion) String() string { return "s" + strconv.FormatUint(uint64(v), 10) }

// IsNil returns true for the zero version.
func (v KeyVersion) IsNil() bool { return v == 0 }

// IsNil returns true for the zero version.
func (v SaltVersion) IsNil() bool { return v == 0 }
